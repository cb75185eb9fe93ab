// Package shard writes exported records into fixed-size, append-only JSONL
// shards. Every append is written and fsynced before its fingerprint is
// claimed in the checkpoint store; a lost claim truncates the line again, so
// a fingerprint appears in the output at most once.
package shard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/corpus-crawler/internal/telemetry"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("shard writer closed")
	// ErrWriteFailed marks a shard write that kept failing after retries.
	ErrWriteFailed = errors.New("shard write failed")
	// ErrCheckpoint marks a checkpoint store failure during an append.
	ErrCheckpoint = errors.New("checkpoint unavailable")
)

// Config controls shard layout and durability.
type Config struct {
	Dir            string
	Prefix         string
	Capacity       int
	WriteRetries   int
	SealOnShutdown bool
}

// Info describes one shard.
type Info struct {
	Sequence int    `json:"sequence"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Lines    int    `json:"lines"`
	Capacity int    `json:"capacity"`
	Checksum string `json:"checksum,omitempty"`
	Sealed   bool   `json:"sealed"`
}

// Stats is a snapshot for status reporting.
type Stats struct {
	Open   Info `json:"open"`
	Sealed int  `json:"sealed"`
}

// SealHook runs after a shard is sealed. Hook errors are logged only.
type SealHook func(ctx context.Context, info Info) error

type file interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type opener func(path string) (file, error)

func openOSFile(path string) (file, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644) //nolint:gosec // shard dir is operator controlled.
}

// Writer owns the single open shard.
type Writer struct {
	cfg    Config
	store  crawler.CheckpointStore
	clock  crawler.Clock
	logger *zap.Logger
	hooks  []SealHook
	open   opener

	mu     sync.Mutex
	file   file
	seq    int
	lines  int
	size   int64
	sealed int
	failed error
	closed bool

	hookCtx context.Context
	hookWG  sync.WaitGroup
}

// Open recovers the shard directory and opens the shard to append to.
func Open(ctx context.Context, cfg Config, store crawler.CheckpointStore, clock crawler.Clock, logger *zap.Logger, hooks ...SealHook) (*Writer, error) {
	return openWriter(ctx, cfg, store, clock, logger, openOSFile, hooks...)
}

func openWriter(
	ctx context.Context,
	cfg Config,
	store crawler.CheckpointStore,
	clock crawler.Clock,
	logger *zap.Logger,
	open opener,
	hooks ...SealHook,
) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("shard dir is required")
	}
	if cfg.Capacity <= 0 {
		return nil, errors.New("shard capacity must be > 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "shard"
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	w := &Writer{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		logger:  logger,
		hooks:   hooks,
		open:    open,
		hookCtx: context.WithoutCancel(ctx),
	}
	if err := w.recover(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// recover repairs every shard left by a previous run and opens the next one.
func (w *Writer) recover(ctx context.Context) error {
	shards, err := listShards(w.cfg.Dir, w.cfg.Prefix)
	if err != nil {
		return err
	}

	maxSeq := 0
	openSeq := 0
	for i, s := range shards {
		if s.seq > maxSeq {
			maxSeq = s.seq
		}
		if !s.partial {
			w.sealed++
			if _, err := os.Stat(checksumPath(w.cfg.Dir, s.name)); errors.Is(err, os.ErrNotExist) {
				sum, err := sha256.SumFile(sealedPath(w.cfg.Dir, s.name))
				if err != nil {
					return err
				}
				if err := writeChecksum(w.cfg.Dir, s.name, sum); err != nil {
					return err
				}
				w.logger.Info("wrote missing shard checksum", zap.String("shard", s.name))
			}
			continue
		}

		lines, size, err := w.repairPartial(ctx, s.name)
		if err != nil {
			return err
		}
		last := i == len(shards)-1
		if lines >= w.cfg.Capacity || !last {
			if lines < w.cfg.Capacity {
				w.logger.Warn("sealing short shard left by a previous run", zap.String("shard", s.name), zap.Int("lines", lines))
			}
			info, err := w.sealFile(s.seq, lines)
			if err != nil {
				return err
			}
			w.runHooks(info)
			continue
		}
		openSeq, w.lines, w.size = s.seq, lines, size
	}

	if openSeq == 0 {
		openSeq = maxSeq + 1
		w.lines, w.size = 0, 0
	}
	return w.openSequence(openSeq)
}

// repairPartial truncates a torn trailing line and settles the claim of the
// last complete line.
func (w *Writer) repairPartial(ctx context.Context, name string) (int, int64, error) {
	path := partialPath(w.cfg.Dir, name)
	lines, lastStart, validEnd, size, lastLine, err := scanPartial(path)
	if err != nil {
		return 0, 0, err
	}
	if validEnd < size {
		w.logger.Warn("truncating torn shard line", zap.String("shard", name), zap.Int64("at", validEnd))
		if err := os.Truncate(path, validEnd); err != nil {
			return 0, 0, fmt.Errorf("truncate torn line: %w", err)
		}
	}
	if lines == 0 {
		return 0, validEnd, nil
	}

	keep, err := w.settleTrailing(ctx, name, lastStart, lastLine)
	if err != nil {
		return 0, 0, err
	}
	if keep {
		return lines, validEnd, nil
	}
	if err := os.Truncate(path, lastStart); err != nil {
		return 0, 0, fmt.Errorf("truncate unclaimed line: %w", err)
	}
	telemetry.ObserveShardRollback()
	return lines - 1, lastStart, nil
}

func (w *Writer) settleTrailing(ctx context.Context, name string, offset int64, line []byte) (bool, error) {
	var rec crawler.OutputRecord
	if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
		w.logger.Warn("dropping undecodable shard line", zap.String("shard", name), zap.Int64("offset", offset))
		return false, nil
	}
	existing, err := w.store.Lookup(ctx, rec.ID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		res, err := w.store.RecordExport(ctx, crawler.CheckpointRecord{
			Fingerprint: rec.ID,
			ExportedAt:  w.now(),
			ShardID:     name,
			Offset:      offset,
		})
		if err != nil {
			return false, fmt.Errorf("%w: claim trailing line: %w", ErrCheckpoint, err)
		}
		if res == crawler.Recorded {
			w.logger.Info("claimed trailing shard line", zap.String("shard", name), zap.String("id", rec.ID))
			return true, nil
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: lookup trailing line: %w", ErrCheckpoint, err)
	}
	if existing.ShardID == name && existing.Offset == offset {
		return true, nil
	}
	w.logger.Warn("trailing shard line already exported elsewhere",
		zap.String("shard", name),
		zap.String("id", rec.ID),
		zap.String("claimed_shard", existing.ShardID),
	)
	return false, nil
}

// scanPartial walks the file line by line.
func scanPartial(path string) (lines int, lastStart, validEnd, size int64, lastLine []byte, err error) {
	f, err := os.Open(path) //nolint:gosec // shard dir is operator controlled.
	if err != nil {
		return 0, 0, 0, 0, nil, fmt.Errorf("open partial shard: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	r := bufio.NewReader(f)
	var offset int64
	for {
		chunk, rerr := r.ReadBytes('\n')
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			lines++
			lastStart = offset
			lastLine = chunk[:len(chunk)-1]
			validEnd = offset + int64(len(chunk))
		}
		offset += int64(len(chunk))
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, 0, 0, 0, nil, fmt.Errorf("read partial shard: %w", rerr)
		}
	}
	return lines, lastStart, validEnd, offset, lastLine, nil
}

func (w *Writer) openSequence(seq int) error {
	f, err := w.open(partialPath(w.cfg.Dir, shardName(w.cfg.Prefix, seq)))
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	w.file = f
	w.seq = seq
	return nil
}

// Append writes rec unless its fingerprint was already exported. The append
// finishes even if ctx is canceled once it started writing.
func (w *Writer) Append(ctx context.Context, rec crawler.OutputRecord) (crawler.RecordResult, error) {
	if rec.ID == "" {
		return crawler.AlreadyRecorded, errors.New("record id is required")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')
	ctx = context.WithoutCancel(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return crawler.AlreadyRecorded, w.failed
	}
	if w.closed {
		return crawler.AlreadyRecorded, ErrClosed
	}

	exported, err := w.store.HasExported(ctx, rec.ID)
	if err != nil {
		return crawler.AlreadyRecorded, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	if exported {
		return crawler.AlreadyRecorded, nil
	}

	offset := w.size
	if err := w.writeLine(line, offset); err != nil {
		w.failed = err
		return crawler.AlreadyRecorded, err
	}

	name := shardName(w.cfg.Prefix, w.seq)
	res, err := w.store.RecordExport(ctx, crawler.CheckpointRecord{
		Fingerprint: rec.ID,
		ExportedAt:  w.now(),
		ShardID:     name,
		Offset:      offset,
	})
	if err != nil {
		// The line stays; the next Open settles its claim.
		w.failed = fmt.Errorf("%w: record export: %w", ErrCheckpoint, err)
		return crawler.AlreadyRecorded, w.failed
	}
	if res == crawler.AlreadyRecorded {
		if err := w.rollback(offset); err != nil {
			w.failed = err
			return crawler.AlreadyRecorded, err
		}
		telemetry.ObserveShardRollback()
		w.logger.Debug("export lost claim race", zap.String("id", rec.ID))
		return crawler.AlreadyRecorded, nil
	}

	w.lines++
	if w.lines >= w.cfg.Capacity {
		if err := w.rotate(); err != nil {
			w.failed = err
			return crawler.Recorded, err
		}
	}
	return crawler.Recorded, nil
}

// writeLine appends and fsyncs line, rolling back and retrying on failure.
func (w *Writer) writeLine(line []byte, offset int64) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.WriteRetries; attempt++ {
		_, err := w.file.Write(line)
		if err == nil {
			err = w.file.Sync()
		}
		if err == nil {
			w.size = offset + int64(len(line))
			return nil
		}
		lastErr = err
		w.logger.Warn("shard write failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if terr := w.rollback(offset); terr != nil {
			return terr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrWriteFailed, w.cfg.WriteRetries+1, lastErr)
}

func (w *Writer) rollback(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncate to %d: %w", ErrWriteFailed, offset, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync after truncate: %w", ErrWriteFailed, err)
	}
	w.size = offset
	return nil
}

// rotate seals the open shard and opens the next sequence.
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close shard: %w", err)
	}
	w.file = nil
	info, err := w.sealFile(w.seq, w.lines)
	if err != nil {
		return err
	}
	w.runHooks(info)
	w.lines, w.size = 0, 0
	return w.openSequence(w.seq + 1)
}

// sealFile checksums a closed partial shard, writes its sidecar and renames it.
func (w *Writer) sealFile(seq, lines int) (Info, error) {
	name := shardName(w.cfg.Prefix, seq)
	from := partialPath(w.cfg.Dir, name)
	to := sealedPath(w.cfg.Dir, name)

	sum, err := sha256.SumFile(from)
	if err != nil {
		return Info{}, fmt.Errorf("checksum shard: %w", err)
	}
	if err := writeChecksum(w.cfg.Dir, name, sum); err != nil {
		return Info{}, err
	}
	if err := os.Rename(from, to); err != nil {
		return Info{}, fmt.Errorf("seal shard: %w", err)
	}
	if err := syncDir(w.cfg.Dir); err != nil {
		return Info{}, err
	}
	w.sealed++
	telemetry.ObserveShardSealed()
	info := Info{
		Sequence: seq,
		Name:     name,
		Path:     to,
		Lines:    lines,
		Capacity: w.cfg.Capacity,
		Checksum: sum,
		Sealed:   true,
	}
	w.logger.Info("sealed shard", zap.String("shard", name), zap.Int("lines", lines), zap.String("sha256", sum))
	return info, nil
}

func (w *Writer) runHooks(info Info) {
	if len(w.hooks) == 0 {
		return
	}
	w.hookWG.Add(1)
	go func() {
		defer w.hookWG.Done()
		for _, hook := range w.hooks {
			if err := hook(w.hookCtx, info); err != nil {
				w.logger.Warn("shard seal hook failed", zap.String("shard", info.Name), zap.Error(err))
			}
		}
	}()
}

// Stats reports the open shard and the number sealed so far.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	name := shardName(w.cfg.Prefix, w.seq)
	return Stats{
		Open: Info{
			Sequence: w.seq,
			Name:     name,
			Path:     partialPath(w.cfg.Dir, name),
			Lines:    w.lines,
			Capacity: w.cfg.Capacity,
		},
		Sealed: w.sealed,
	}
}

// Close seals the open shard when configured and non-empty, then waits for
// seal hooks. An empty partial shard is removed.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	var err error
	if w.file != nil {
		err = w.closeOpenLocked()
	}
	w.mu.Unlock()

	w.hookWG.Wait()
	return err
}

func (w *Writer) closeOpenLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync shard: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close shard: %w", err)
	}
	w.file = nil
	name := shardName(w.cfg.Prefix, w.seq)
	switch {
	case w.lines == 0:
		if err := os.Remove(partialPath(w.cfg.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove empty shard: %w", err)
		}
	case w.cfg.SealOnShutdown && w.failed == nil:
		info, err := w.sealFile(w.seq, w.lines)
		if err != nil {
			return err
		}
		w.runHooks(info)
	}
	return nil
}

func (w *Writer) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
