// Package dispatcher runs the fixed-size worker pool over the frontier.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is one pool member. Run returns a non-nil error only for failures
// that must halt the whole pool.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans frontier work out to its workers.
type Dispatcher struct {
	workers []Runner
	onFatal func(error)
	logger  *zap.Logger
}

// New creates a Dispatcher. onFatal, when set, is called once with the first
// fatal worker error before the remaining workers are canceled.
func New(workers []Runner, onFatal func(error), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, onFatal: onFatal, logger: logger}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until all of them return. The first
// fatal error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				d.logger.Error("worker halted", zap.Int("worker", i), zap.Error(err))
				if d.onFatal != nil {
					d.onFatal(err)
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}
