// Package frontier schedules crawl tasks per source. Each source has its own
// queue and politeness window; DequeueReady hands out tasks round-robin and
// sleeps on a timer or wake-up signal when nothing is eligible.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/policy/ratelimit"
)

// ErrClosed is returned by DequeueReady once the frontier stopped admitting
// work.
var ErrClosed = errors.New("frontier closed")

// Admission is the outcome of Enqueue.
type Admission int

// Enqueue outcomes.
const (
	Admitted Admission = iota
	Duplicate
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Config controls politeness and admission.
type Config struct {
	Politeness        time.Duration
	RequestsPerMinute float64
	MaxQueuePerSource int
	DenyDomains       []string
}

type sourceQueue struct {
	tasks        []crawler.CrawlTask
	nextEligible time.Time
	dispatched   int64
}

// Frontier owns every pending CrawlTask.
type Frontier struct {
	cfg     Config
	store   crawler.CheckpointStore
	limiter *ratelimit.Limiter
	deny    *hostFilter
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	queues   map[string]*sourceQueue
	order    []string
	cursor   int
	pending  map[string]struct{}
	inflight int
	closed   bool
	sources  map[string]sourceRules

	wake chan struct{}
	done chan struct{}
}

// New builds a Frontier that consults store for completed URLs.
func New(cfg Config, store crawler.CheckpointStore, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:     cfg,
		store:   store,
		limiter: ratelimit.New(ratelimit.Config{PerMinute: cfg.RequestsPerMinute}),
		deny:    newHostFilter(cfg.DenyDomains),
		logger:  logger,
		now:     time.Now,
		queues:  make(map[string]*sourceQueue),
		pending: make(map[string]struct{}),
		sources: make(map[string]sourceRules),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue admits url for source. Duplicate means the URL is already queued,
// in flight or completed.
func (f *Frontier) Enqueue(ctx context.Context, source, url string) (Admission, error) {
	return f.Push(ctx, crawler.CrawlTask{Source: source, URL: url})
}

// Push admits a fully described task. The URL is normalized and the task's
// attempt counter is reset.
func (f *Frontier) Push(ctx context.Context, task crawler.CrawlTask) (Admission, error) {
	normalized, err := crawler.NormalizeURL(task.URL)
	if err != nil {
		return Rejected, nil //nolint:nilerr // malformed URLs are rejected, not failures.
	}
	task.URL = normalized
	task.Attempt = 0
	if task.Source == "" {
		if task.Source, err = crawler.SourceKey(normalized); err != nil {
			return Rejected, nil //nolint:nilerr
		}
	}
	host, _ := crawler.SourceKey(normalized)
	if f.deny.Match(host) {
		return Rejected, nil
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Rejected, nil
	}
	if _, ok := f.pending[normalized]; ok {
		f.mu.Unlock()
		return Duplicate, nil
	}
	f.mu.Unlock()

	if !task.Revisit {
		done, err := f.store.IsCompleted(ctx, task.Source, normalized)
		if err != nil {
			return Rejected, fmt.Errorf("check completed: %w", err)
		}
		if done {
			return Duplicate, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Rejected, nil
	}
	if _, ok := f.pending[normalized]; ok {
		return Duplicate, nil
	}
	q := f.queue(task.Source)
	if f.cfg.MaxQueuePerSource > 0 && len(q.tasks) >= f.cfg.MaxQueuePerSource {
		return Rejected, nil
	}
	q.tasks = append(q.tasks, task)
	f.pending[normalized] = struct{}{}
	f.notify()
	return Admitted, nil
}

func (f *Frontier) queue(source string) *sourceQueue {
	q, ok := f.queues[source]
	if !ok {
		q = &sourceQueue{}
		f.queues[source] = q
		f.order = append(f.order, source)
	}
	return q
}

func (f *Frontier) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// DequeueReady blocks until a task is eligible and returns it. It returns
// ErrClosed once the frontier is closed and ctx.Err() on cancellation.
func (f *Frontier) DequeueReady(ctx context.Context) (crawler.CrawlTask, error) {
	for {
		task, wait, err := f.next()
		if err != nil {
			return crawler.CrawlTask{}, err
		}
		if wait == 0 {
			return task, nil
		}

		if err := f.sleep(ctx, wait); err != nil {
			return crawler.CrawlTask{}, err
		}
	}
}

// sleep waits for wait (forever when negative), a wake-up signal, Close or
// ctx cancellation.
func (f *Frontier) sleep(ctx context.Context, wait time.Duration) error {
	var timerC <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	case <-f.wake:
	case <-timerC:
	}
	return nil
}

// next picks the next eligible task. When none is eligible it returns the
// duration until the earliest one becomes eligible, or -1 when the frontier is
// empty.
func (f *Frontier) next() (crawler.CrawlTask, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return crawler.CrawlTask{}, 0, ErrClosed
	}

	now := f.now()
	wait := time.Duration(-1)
	n := len(f.order)
	for i := 0; i < n; i++ {
		idx := (f.cursor + i) % n
		source := f.order[idx]
		q := f.queues[source]
		if len(q.tasks) == 0 {
			continue
		}

		ready := q.nextEligible
		if d := f.limiter.Delay(source, now); d > 0 && now.Add(d).After(ready) {
			ready = now.Add(d)
		}
		pick := -1
		earliestTask := time.Time{}
		for j, t := range q.tasks {
			if !t.NextEligible.After(now) {
				pick = j
				break
			}
			if earliestTask.IsZero() || t.NextEligible.Before(earliestTask) {
				earliestTask = t.NextEligible
			}
		}
		if pick < 0 && earliestTask.After(ready) {
			ready = earliestTask
		}

		if pick >= 0 && !ready.After(now) && f.limiter.Take(source, now) {
			task := q.tasks[pick]
			q.tasks = append(q.tasks[:pick], q.tasks[pick+1:]...)
			q.nextEligible = now.Add(f.cfg.Politeness)
			q.dispatched++
			f.inflight++
			f.cursor = (idx + 1) % n
			if f.queuedLocked() > 0 {
				f.notify()
			}
			return task, 0, nil
		}

		d := ready.Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}
		if wait < 0 || d < wait {
			wait = d
		}
	}
	return crawler.CrawlTask{}, wait, nil
}

// Retry puts an in-flight task back with its attempt incremented. It reports
// false when the frontier is closed and the task was dropped.
func (f *Frontier) Retry(task crawler.CrawlTask, nextEligible time.Time) bool {
	task.Attempt++
	task.NextEligible = nextEligible
	return f.putBack(task)
}

// Requeue returns a dequeued task that was never attempted. Its attempt count
// and eligibility are unchanged.
func (f *Frontier) Requeue(task crawler.CrawlTask) bool {
	return f.putBack(task)
}

func (f *Frontier) putBack(task crawler.CrawlTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.closed {
		delete(f.pending, task.URL)
		return false
	}
	q := f.queue(task.Source)
	q.tasks = append(q.tasks, task)
	f.notify()
	return true
}

// Complete records a successfully processed task.
func (f *Frontier) Complete(ctx context.Context, task crawler.CrawlTask) error {
	return f.finish(ctx, task)
}

// Fail records a task that will never be retried.
func (f *Frontier) Fail(ctx context.Context, task crawler.CrawlTask) error {
	return f.finish(ctx, task)
}

func (f *Frontier) finish(ctx context.Context, task crawler.CrawlTask) error {
	var err error
	if !task.Revisit {
		if saveErr := f.store.SaveProgress(ctx, task.Source, task.URL); saveErr != nil {
			err = fmt.Errorf("save progress: %w", saveErr)
		}
	}
	f.mu.Lock()
	f.inflight--
	delete(f.pending, task.URL)
	f.mu.Unlock()
	return err
}

// Close stops admission and wakes every waiting DequeueReady. Queued tasks are
// left unprocessed; they are not marked completed and will be seeded again on
// the next run.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	f.logger.Info("frontier closed", zap.Int("queued", f.queuedLocked()), zap.Int("in_flight", f.inflight))
}

// Done is closed by Close.
func (f *Frontier) Done() <-chan struct{} {
	return f.done
}

// Closed reports whether Close was called.
func (f *Frontier) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Len returns the number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queuedLocked()
}

func (f *Frontier) queuedLocked() int {
	total := 0
	for _, q := range f.queues {
		total += len(q.tasks)
	}
	return total
}

// InFlight returns the number of dispatched tasks not yet finished.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

// Idle reports whether nothing is queued or in flight.
func (f *Frontier) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight == 0 && f.queuedLocked() == 0
}

// SourceStats is a per-source snapshot for status reporting.
type SourceStats struct {
	Source       string    `json:"source"`
	Queued       int       `json:"queued"`
	Dispatched   int64     `json:"dispatched"`
	NextEligible time.Time `json:"next_eligible"`
}

// Sources returns a snapshot of every known source in insertion order.
func (f *Frontier) Sources() []SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SourceStats, 0, len(f.order))
	for _, name := range f.order {
		q := f.queues[name]
		out = append(out, SourceStats{
			Source:       name,
			Queued:       len(q.tasks),
			Dispatched:   q.dispatched,
			NextEligible: q.nextEligible,
		})
	}
	return out
}
