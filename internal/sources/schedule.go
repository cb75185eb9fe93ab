package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReseedFunc re-enqueues seed pages and reports how many were admitted.
type ReseedFunc func(ctx context.Context) (int, error)

// Scheduler runs a ReseedFunc on a cron schedule. Runs never overlap; a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	fn     ReseedFunc
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context //nolint:containedctx // scoped to Start/Stop.
	cancel  context.CancelFunc
	started bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates spec (standard five-field cron or a descriptor such
// as "@hourly") and returns a stopped Scheduler.
func NewScheduler(spec string, fn ReseedFunc, logger *zap.Logger) (*Scheduler, error) {
	if fn == nil {
		return nil, errors.New("reseed func must not be nil")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("reseed schedule is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{fn: fn, logger: logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("add cron %q: %w", spec, err)
	}
	return s, nil
}

// Start begins cron execution. Reseeds run with a context derived from ctx
// that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running reseed to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
}

// Next returns the next scheduled run, or the zero time when stopped.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	n, err := s.fn(ctx)
	if err != nil {
		s.logger.Warn("scheduled reseed failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled reseed", zap.Int("admitted", n))
}
