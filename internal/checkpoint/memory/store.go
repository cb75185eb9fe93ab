// Package memory provides an in-process checkpoint store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Store keeps checkpoint state in maps guarded by a mutex.
type Store struct {
	mu        sync.RWMutex
	clock     crawler.Clock
	exports   map[string]crawler.CheckpointRecord
	progress  map[string]crawler.Progress
	completed map[string]map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		clock:     system.New(),
		exports:   make(map[string]crawler.CheckpointRecord),
		progress:  make(map[string]crawler.Progress),
		completed: make(map[string]map[string]struct{}),
	}
}

// HasExported reports whether the fingerprint was claimed.
func (s *Store) HasExported(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.exports[fingerprint]
	return ok, nil
}

// RecordExport claims the fingerprint if nobody has yet.
func (s *Store) RecordExport(_ context.Context, rec crawler.CheckpointRecord) (crawler.RecordResult, error) {
	if rec.Fingerprint == "" {
		return crawler.AlreadyRecorded, fmt.Errorf("fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[rec.Fingerprint]; ok {
		return crawler.AlreadyRecorded, nil
	}
	s.exports[rec.Fingerprint] = rec
	return crawler.Recorded, nil
}

// Lookup returns the export record for a fingerprint.
func (s *Store) Lookup(_ context.Context, fingerprint string) (crawler.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.exports[fingerprint]
	if !ok {
		return crawler.CheckpointRecord{}, checkpoint.ErrNotFound
	}
	return rec, nil
}

// LoadProgress returns the progress of a source, zero valued when unknown.
func (s *Store) LoadProgress(_ context.Context, source string) (crawler.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[source]
	if !ok {
		return crawler.Progress{Source: source}, nil
	}
	return p, nil
}

// SaveProgress marks marker completed for source.
func (s *Store) SaveProgress(_ context.Context, source, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	done, ok := s.completed[source]
	if !ok {
		done = make(map[string]struct{})
		s.completed[source] = done
	}
	p := s.progress[source]
	p.Source = source
	if _, seen := done[marker]; !seen {
		done[marker] = struct{}{}
		p.Completed++
	}
	p.LastMarker = marker
	p.UpdatedAt = s.clock.Now()
	s.progress[source] = p
	return nil
}

// IsCompleted reports whether url was marked completed for source.
func (s *Store) IsCompleted(_ context.Context, source, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[source][url]
	return ok, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of claimed fingerprints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exports)
}
