// Package redis implements the checkpoint store on Redis so several crawler
// processes can share export claims.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Config controls the Redis connection and key namespace.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Clock    crawler.Clock
}

// Store keeps one string key per exported fingerprint, one set of completed
// URLs per source and one hash of progress fields per source.
type Store struct {
	client *redis.Client
	keys   keyspace
	clock  crawler.Clock
}

type keyspace struct {
	prefix string
}

func (k keyspace) export(fingerprint string) string {
	return fmt.Sprintf("%s:export:%s", k.prefix, fingerprint)
}

func (k keyspace) completed(source string) string {
	return fmt.Sprintf("%s:completed:%s", k.prefix, source)
}

func (k keyspace) progress(source string) string {
	return fmt.Sprintf("%s:progress:%s", k.prefix, source)
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("checkpoint.redis_addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, cfg.Prefix, cfg.Clock), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, clock crawler.Clock) *Store {
	if prefix == "" {
		prefix = "crawler"
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{client: client, keys: keyspace{prefix: prefix}, clock: clock}
}

// HasExported reports whether the fingerprint was claimed.
func (s *Store) HasExported(ctx context.Context, fingerprint string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.export(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("query export: %w", err)
	}
	return n == 1, nil
}

// RecordExport claims the fingerprint with SETNX.
func (s *Store) RecordExport(ctx context.Context, rec crawler.CheckpointRecord) (crawler.RecordResult, error) {
	if rec.Fingerprint == "" {
		return crawler.AlreadyRecorded, fmt.Errorf("fingerprint is required")
	}
	rec.ExportedAt = rec.ExportedAt.UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("marshal export: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keys.export(rec.Fingerprint), payload, 0).Result()
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("claim export: %w", err)
	}
	if !ok {
		return crawler.AlreadyRecorded, nil
	}
	return crawler.Recorded, nil
}

// Lookup returns the export record for a fingerprint.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (crawler.CheckpointRecord, error) {
	raw, err := s.client.Get(ctx, s.keys.export(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.CheckpointRecord{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("lookup export: %w", err)
	}
	var rec crawler.CheckpointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("decode export: %w", err)
	}
	return rec, nil
}

// LoadProgress returns the progress of a source, zero valued when unknown.
func (s *Store) LoadProgress(ctx context.Context, source string) (crawler.Progress, error) {
	p := crawler.Progress{Source: source}
	fields, err := s.client.HGetAll(ctx, s.keys.progress(source)).Result()
	if err != nil {
		return crawler.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	if len(fields) == 0 {
		return p, nil
	}
	p.LastMarker = fields["last_marker"]
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		p.UpdatedAt = time.Unix(0, ts).UTC()
	}
	completed, err := s.client.SCard(ctx, s.keys.completed(source)).Result()
	if err != nil {
		return crawler.Progress{}, fmt.Errorf("count completed: %w", err)
	}
	p.Completed = completed
	return p, nil
}

// SaveProgress marks marker completed for source and advances the marker in
// one MULTI/EXEC block.
func (s *Store) SaveProgress(ctx context.Context, source, marker string) error {
	now := s.clock.Now().UnixNano()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keys.completed(source), marker)
		pipe.HSet(ctx, s.keys.progress(source), "last_marker", marker, "updated_at", now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// IsCompleted reports whether url was marked completed for source.
func (s *Store) IsCompleted(ctx context.Context, source, url string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.keys.completed(source), url).Result()
	if err != nil {
		return false, fmt.Errorf("query completed url: %w", err)
	}
	return ok, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
