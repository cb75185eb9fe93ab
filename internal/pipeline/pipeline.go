// Package pipeline owns one crawl run: it seeds the frontier, starts the
// worker pool, enforces run limits and drives the Idle, Running, Draining,
// Stopped state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/dedup"
	"github.com/JakeFAU/corpus-crawler/internal/dispatcher"
	"github.com/JakeFAU/corpus-crawler/internal/frontier"
	"github.com/JakeFAU/corpus-crawler/internal/progress"
	"github.com/JakeFAU/corpus-crawler/internal/shard"
	"github.com/JakeFAU/corpus-crawler/internal/sources"
	"github.com/JakeFAU/corpus-crawler/internal/telemetry"
	"github.com/JakeFAU/corpus-crawler/internal/worker"
)

// State is the lifecycle position of a Controller.
type State int32

// Controller states.
const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyStarted is returned by Start on a controller that left Idle.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrNotRunning is returned by operations that need a running pipeline.
	ErrNotRunning = errors.New("pipeline not running")
)

// Stop reasons reported in Status.
const (
	ReasonStopped     = "stopped"
	ReasonMaxPages    = "max_pages"
	ReasonMaxDuration = "max_duration"
	ReasonIdle        = "idle"
	ReasonCanceled    = "canceled"
	ReasonFatal       = "fatal"
)

// Config bounds a run.
type Config struct {
	Concurrency  int
	MaxPages     int
	MaxDuration  time.Duration
	StopWhenIdle bool
	IdlePoll     time.Duration
	Heartbeat    time.Duration
	WarmDedup    bool
	ShardDir     string
	ShardPrefix  string
	Worker       worker.Config
}

// Deps are the long-lived components a run drives. The controller takes
// ownership of Frontier and Writer and closes both when the run ends.
type Deps struct {
	Frontier   *frontier.Frontier
	Writer     *shard.Writer
	Checkpoint crawler.CheckpointStore
	Dedup      *dedup.Index
	Probe      crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Extractor  worker.Extractor
	Gate       worker.Gate
	Retry      worker.RetryPolicy
	Sources    []crawler.Source
	Clock      crawler.Clock
	Progress   progress.Emitter
	RunID      [16]byte
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID         string                 `json:"run_id"`
	State         string                 `json:"state"`
	StartedAt     time.Time              `json:"started_at,omitzero"`
	Elapsed       string                 `json:"elapsed,omitempty"`
	StopReason    string                 `json:"stop_reason,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Counters      worker.Snapshot        `json:"counters"`
	ShardsSealed  int                    `json:"shards_sealed"`
	OpenShard     string                 `json:"open_shard,omitempty"`
	OpenLines     int                    `json:"open_shard_lines"`
	FrontierDepth int                    `json:"frontier_depth"`
	InFlight      int                    `json:"in_flight"`
	Workers       int                    `json:"workers"`
	Sources       []frontier.SourceStats `json:"sources,omitempty"`
}

// Controller runs the pipeline once. A stopped controller cannot be
// restarted; build a new one.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	stats  *worker.Stats
	budget *worker.Budget
	index  sources.Index

	state atomic.Int32

	mu         sync.Mutex
	startedAt  time.Time
	stopReason string
	err        error
	workers    int

	done chan struct{}
}

// New validates deps and returns an Idle controller.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Frontier == nil || deps.Writer == nil || deps.Checkpoint == nil {
		return nil, errors.New("pipeline requires frontier, shard writer and checkpoint store")
	}
	if deps.Probe == nil || deps.Extractor == nil || deps.Gate == nil {
		return nil, errors.New("pipeline requires fetcher, extractor and gate")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 250 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ShardPrefix == "" {
		cfg.ShardPrefix = "shard"
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		stats:  worker.NewStats(),
		budget: worker.NewBudget(cfg.MaxPages),
		index:  sources.NewIndex(deps.Sources),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start seeds the frontier, warms the near-duplicate index from persisted
// shards and launches the worker pool. It returns once the pool is running;
// use Wait for the outcome. Cancelling ctx drains the run.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	if err := c.warm(); err != nil {
		c.abort(err)
		return err
	}
	seeded, err := c.seed(ctx)
	if err != nil {
		c.abort(err)
		return err
	}

	runners := make([]dispatcher.Runner, 0, c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		runners = append(runners, worker.New(c.workerDeps(), c.cfg.Worker, c.logger.Named("worker").With(zap.Int("index", i))))
	}
	pool := dispatcher.New(runners, c.fatal, c.logger.Named("dispatcher"))

	c.mu.Lock()
	c.startedAt = c.now()
	c.workers = pool.Size()
	c.mu.Unlock()

	c.logger.Info("pipeline started",
		zap.Int("workers", pool.Size()),
		zap.Int("seeds", seeded),
		zap.Int("max_pages", c.cfg.MaxPages),
		zap.Duration("max_duration", c.cfg.MaxDuration),
	)
	c.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("workers=%d seeds=%d", pool.Size(), seeded)})

	supervised := make(chan struct{})
	go c.supervise(ctx, supervised)
	go c.run(ctx, pool, supervised)
	return nil
}

func (c *Controller) workerDeps() worker.Deps {
	return worker.Deps{
		Frontier:    c.deps.Frontier,
		Checkpoint:  c.deps.Checkpoint,
		Probe:       c.deps.Probe,
		Headless:    c.deps.Headless,
		Detector:    c.deps.Detector,
		Extractor:   c.deps.Extractor,
		Gate:        c.deps.Gate,
		Dedup:       c.dedup(),
		Exporter:    c.deps.Writer,
		Retry:       c.deps.Retry,
		Sources:     c.index.Lookup,
		Clock:       c.deps.Clock,
		Progress:    c.deps.Progress,
		Stats:       c.stats,
		Budget:      c.budget,
		RunID:       c.deps.RunID,
		OnExhausted: func() { c.drain(ReasonMaxPages) },
	}
}

// dedup avoids handing a typed nil pointer to the worker's interface field.
func (c *Controller) dedup() crawler.Deduplicator {
	if c.deps.Dedup == nil {
		return nil
	}
	return c.deps.Dedup
}

func (c *Controller) warm() error {
	if !c.cfg.WarmDedup || c.deps.Dedup == nil || c.cfg.ShardDir == "" {
		return nil
	}
	start := time.Now()
	err := shard.Scan(c.cfg.ShardDir, c.cfg.ShardPrefix, func(rec crawler.OutputRecord) error {
		c.deps.Dedup.Warm(rec.ID, rec.Meta.Content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("warm dedup index: %w", err)
	}
	c.logger.Info("dedup index warmed", zap.Int("texts", c.deps.Dedup.Len()), zap.Duration("took", time.Since(start)))
	return nil
}

func (c *Controller) seed(ctx context.Context) (int, error) {
	total := 0
	for _, src := range c.deps.Sources {
		n, err := c.deps.Frontier.Seed(ctx, src)
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", src.Name, err)
		}
		total += n
	}
	return total, nil
}

// Reseed re-enqueues every source's seed pages. Seeds still queued or in
// flight are skipped by the frontier.
func (c *Controller) Reseed(ctx context.Context) (int, error) {
	if c.State() != Running {
		return 0, ErrNotRunning
	}
	n, err := c.seed(ctx)
	if err != nil {
		return n, err
	}
	c.logger.Info("sources reseeded", zap.Int("admitted", n))
	return n, nil
}

// run waits for the pool, then seals the open shard and records the outcome.
func (c *Controller) run(ctx context.Context, pool *dispatcher.Dispatcher, supervised <-chan struct{}) {
	poolErr := pool.Run(ctx)
	c.drain(ReasonStopped)
	<-supervised

	var errs []error
	if poolErr != nil {
		errs = append(errs, poolErr)
	}
	if err := c.deps.Writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close shard writer: %w", err))
	}
	err := errors.Join(errs...)

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	elapsed := c.now().Sub(c.startedAt)
	c.mu.Unlock()

	snap := c.stats.Snapshot()
	telemetry.SetFrontierDepth(c.deps.Frontier.Len())
	c.state.Store(int32(Stopped))
	if err != nil {
		c.logger.Error("pipeline stopped with error", zap.Error(err), zap.Int64("exported", snap.Exported))
		c.emit(progress.Event{Stage: progress.StageRunError, Dur: elapsed, Note: err.Error()})
	} else {
		c.logger.Info("pipeline stopped",
			zap.String("reason", c.reason()),
			zap.Int64("attempted", snap.Attempted),
			zap.Int64("exported", snap.Exported),
			zap.Int("shards_sealed", c.deps.Writer.Stats().Sealed),
			zap.Duration("elapsed", elapsed),
		)
		c.emit(progress.Event{Stage: progress.StageRunDone, Dur: elapsed, Note: c.reason()})
	}
	close(c.done)
}

// supervise enforces the duration and idle limits and publishes heartbeats
// until the frontier closes. Workers stop on their own once the page budget is
// spent, so max_pages only marks the run as Draining.
func (c *Controller) supervise(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var deadline <-chan time.Time
	if c.cfg.MaxDuration > 0 {
		timer := time.NewTimer(c.cfg.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}
	var idle <-chan time.Time
	if c.cfg.StopWhenIdle {
		ticker := time.NewTicker(c.cfg.IdlePoll)
		defer ticker.Stop()
		idle = ticker.C
	}
	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(ReasonCanceled)
			return
		case <-deadline:
			c.drain(ReasonMaxDuration)
			return
		case <-idle:
			if c.deps.Frontier.Idle() {
				c.drain(ReasonIdle)
				return
			}
		case <-heartbeat.C:
			depth := c.deps.Frontier.Len()
			telemetry.SetFrontierDepth(depth)
			snap := c.stats.Snapshot()
			c.emit(progress.Event{
				Stage: progress.StageRunHeartbeat,
				Note:  fmt.Sprintf("depth=%d attempted=%d exported=%d", depth, snap.Attempted, snap.Exported),
			})
		case <-c.deps.Frontier.Done():
			return
		}
	}
}

// Stop begins a graceful drain: admission stops, in-flight tasks finish and
// the open shard is sealed. It does not wait; use Wait.
func (c *Controller) Stop() {
	if c.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		c.deps.Frontier.Close()
		if err := c.deps.Writer.Close(); err != nil {
			c.logger.Warn("close shard writer", zap.Error(err))
		}
		close(c.done)
		return
	}
	c.drain(ReasonStopped)
}

// Wait blocks until the run is Stopped and returns its fatal error, if any.
func (c *Controller) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the run is Stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// drain moves a running pipeline to Draining and closes frontier admission.
func (c *Controller) drain(reason string) {
	c.begin(reason)
	c.deps.Frontier.Close()
}

// begin records why the run is ending and moves it to Draining. Only the first
// reason is kept.
func (c *Controller) begin(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReason != "" {
		return
	}
	c.stopReason = reason
	c.state.CompareAndSwap(int32(Running), int32(Draining))
	c.logger.Info("pipeline draining", zap.String("reason", reason))
}

// fatal records err and halts admission.
func (c *Controller) fatal(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Error("fatal pipeline error", zap.Error(err))
	c.drain(ReasonFatal)
}

// abort stops a run that failed before its workers started.
func (c *Controller) abort(err error) {
	c.mu.Lock()
	c.err = err
	c.stopReason = ReasonFatal
	c.mu.Unlock()
	c.deps.Frontier.Close()
	if cerr := c.deps.Writer.Close(); cerr != nil {
		c.logger.Warn("close shard writer", zap.Error(cerr))
	}
	c.state.Store(int32(Stopped))
	c.emit(progress.Event{Stage: progress.StageRunError, Note: err.Error()})
	close(c.done)
}

func (c *Controller) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// Status reports counters and component state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		RunID:      progress.Event{RunID: c.deps.RunID}.RunUUID().String(),
		StartedAt:  c.startedAt,
		StopReason: c.stopReason,
		Workers:    c.workers,
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	if !c.startedAt.IsZero() {
		st.Elapsed = c.now().Sub(c.startedAt).Round(time.Second).String()
	}
	c.mu.Unlock()

	st.State = c.State().String()
	st.Counters = c.stats.Snapshot()
	ws := c.deps.Writer.Stats()
	st.ShardsSealed = ws.Sealed
	st.OpenShard = ws.Open.Name
	st.OpenLines = ws.Open.Lines
	st.FrontierDepth = c.deps.Frontier.Len()
	st.InFlight = c.deps.Frontier.InFlight()
	st.Sources = c.deps.Frontier.Sources()
	return st
}

func (c *Controller) emit(evt progress.Event) {
	if c.deps.Progress == nil {
		return
	}
	evt.RunID = c.deps.RunID
	evt.TS = c.now()
	c.deps.Progress.Emit(evt)
}

func (c *Controller) now() time.Time {
	if c.deps.Clock == nil {
		return time.Now().UTC()
	}
	return c.deps.Clock.Now()
}
