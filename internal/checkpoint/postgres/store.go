// Package postgres provides a Postgres-backed checkpoint store for
// deployments where several crawler processes share state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Clock           crawler.Clock
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store persists export claims and source progress in three tables named
// <prefix>_exports, <prefix>_progress and <prefix>_completed.
type Store struct {
	pool      pool
	exports   string
	progress  string
	completed string
	clock     crawler.Clock
}

// Open connects to Postgres, ensures the schema exists and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TablePrefix, cfg.Clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "crawler"
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		pool:      p,
		exports:   prefix + "_exports",
		progress:  prefix + "_progress",
		completed: prefix + "_completed",
		clock:     clock,
	}, nil
}

// EnsureSchema creates the checkpoint tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fingerprint TEXT PRIMARY KEY,
			exported_at TIMESTAMPTZ NOT NULL,
			shard_id TEXT NOT NULL,
			shard_offset BIGINT NOT NULL
		)`, s.exports),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source TEXT PRIMARY KEY,
			last_marker TEXT NOT NULL,
			completed BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.progress),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source TEXT NOT NULL,
			url TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (source, url)
		)`, s.completed),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure checkpoint schema: %w", err)
		}
	}
	return nil
}

// HasExported reports whether the fingerprint was claimed.
func (s *Store) HasExported(ctx context.Context, fingerprint string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE fingerprint = $1)`, s.exports)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&exists); err != nil {
		return false, fmt.Errorf("query export: %w", err)
	}
	return exists, nil
}

// RecordExport claims the fingerprint. The primary key makes the claim atomic
// across processes.
func (s *Store) RecordExport(ctx context.Context, rec crawler.CheckpointRecord) (crawler.RecordResult, error) {
	if rec.Fingerprint == "" {
		return crawler.AlreadyRecorded, fmt.Errorf("fingerprint is required")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, exported_at, shard_id, shard_offset)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING`, s.exports)
	tag, err := s.pool.Exec(ctx, query, rec.Fingerprint, rec.ExportedAt.UTC(), rec.ShardID, rec.Offset)
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("insert export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.AlreadyRecorded, nil
	}
	return crawler.Recorded, nil
}

// Lookup returns the export record for a fingerprint.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (crawler.CheckpointRecord, error) {
	query := fmt.Sprintf(
		`SELECT fingerprint, exported_at, shard_id, shard_offset FROM %s WHERE fingerprint = $1`,
		s.exports,
	)
	var rec crawler.CheckpointRecord
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&rec.Fingerprint, &rec.ExportedAt, &rec.ShardID, &rec.Offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CheckpointRecord{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("lookup export: %w", err)
	}
	rec.ExportedAt = rec.ExportedAt.UTC()
	return rec, nil
}

// LoadProgress returns the progress of a source, zero valued when unknown.
func (s *Store) LoadProgress(ctx context.Context, source string) (crawler.Progress, error) {
	query := fmt.Sprintf(`SELECT last_marker, completed, updated_at FROM %s WHERE source = $1`, s.progress)
	p := crawler.Progress{Source: source}
	err := s.pool.QueryRow(ctx, query, source).Scan(&p.LastMarker, &p.Completed, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return crawler.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	return p, nil
}

// SaveProgress marks marker completed for source and advances the marker in
// one transaction.
func (s *Store) SaveProgress(ctx context.Context, source, marker string) error {
	now := s.clock.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin progress tx: %w", err)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (source, url, completed_at) VALUES ($1, $2, $3)
		ON CONFLICT (source, url) DO NOTHING`, s.completed),
		source, marker, now,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("insert completed url: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (source, last_marker, completed, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO UPDATE SET
			last_marker = EXCLUDED.last_marker,
			completed = %s.completed + EXCLUDED.completed,
			updated_at = EXCLUDED.updated_at`, s.progress, s.progress),
		source, marker, tag.RowsAffected(), now,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("upsert progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}
	return nil
}

// IsCompleted reports whether url was marked completed for source.
func (s *Store) IsCompleted(ctx context.Context, source, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE source = $1 AND url = $2)`, s.completed)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, source, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("query completed url: %w", err)
	}
	return exists, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
