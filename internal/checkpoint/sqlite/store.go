// Package sqlite implements the checkpoint store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS exports (
	fingerprint  TEXT PRIMARY KEY,
	exported_at  INTEGER NOT NULL,
	shard_id     TEXT NOT NULL,
	shard_offset INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS progress (
	source      TEXT PRIMARY KEY,
	last_marker TEXT NOT NULL,
	completed   INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS completed_urls (
	source       TEXT NOT NULL,
	url          TEXT NOT NULL,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (source, url)
);
`

// Config controls where the database lives.
type Config struct {
	Path  string
	Clock crawler.Clock
}

// Store is a crawler.CheckpointStore backed by SQLite.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
}

// Open creates the database file (and parent directory) if needed and applies
// the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Store{db: db, clock: clock}, nil
}

// HasExported reports whether the fingerprint was claimed.
func (s *Store) HasExported(ctx context.Context, fingerprint string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM exports WHERE fingerprint = ?)`, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query export: %w", err)
	}
	return exists == 1, nil
}

// RecordExport claims the fingerprint with a single insert-if-absent.
func (s *Store) RecordExport(ctx context.Context, rec crawler.CheckpointRecord) (crawler.RecordResult, error) {
	if rec.Fingerprint == "" {
		return crawler.AlreadyRecorded, fmt.Errorf("fingerprint is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exports (fingerprint, exported_at, shard_id, shard_offset)
		 VALUES (?, ?, ?, ?) ON CONFLICT(fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.ExportedAt.UTC().UnixNano(), rec.ShardID, rec.Offset,
	)
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("insert export: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("insert export rows: %w", err)
	}
	if n == 0 {
		return crawler.AlreadyRecorded, nil
	}
	return crawler.Recorded, nil
}

// Lookup returns the export record for a fingerprint.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (crawler.CheckpointRecord, error) {
	var (
		rec        crawler.CheckpointRecord
		exportedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, exported_at, shard_id, shard_offset FROM exports WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&rec.Fingerprint, &exportedAt, &rec.ShardID, &rec.Offset)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CheckpointRecord{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("lookup export: %w", err)
	}
	rec.ExportedAt = time.Unix(0, exportedAt).UTC()
	return rec, nil
}

// LoadProgress returns the progress of a source, zero valued when unknown.
func (s *Store) LoadProgress(ctx context.Context, source string) (crawler.Progress, error) {
	p := crawler.Progress{Source: source}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_marker, completed, updated_at FROM progress WHERE source = ?`, source,
	).Scan(&p.LastMarker, &p.Completed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return crawler.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

// SaveProgress marks marker completed for source and advances the marker.
func (s *Store) SaveProgress(ctx context.Context, source, marker string) error {
	now := s.clock.Now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin progress tx: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO completed_urls (source, url, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT(source, url) DO NOTHING`,
		source, marker, now,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert completed url: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert completed url rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO progress (source, last_marker, completed, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
		   last_marker = excluded.last_marker,
		   completed = progress.completed + excluded.completed,
		   updated_at = excluded.updated_at`,
		source, marker, added, now,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}
	return nil
}

// IsCompleted reports whether url was marked completed for source.
func (s *Store) IsCompleted(ctx context.Context, source, url string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM completed_urls WHERE source = ? AND url = ?)`, source, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query completed url: %w", err)
	}
	return exists == 1, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
