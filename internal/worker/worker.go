// Package worker runs one crawl task at a time through fetch, extraction,
// quality gate, deduplication and shard export.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/frontier"
	"github.com/JakeFAU/corpus-crawler/internal/progress"
	"github.com/JakeFAU/corpus-crawler/internal/telemetry"
)

// Frontier is the subset of the frontier a worker drives.
type Frontier interface {
	DequeueReady(ctx context.Context) (crawler.CrawlTask, error)
	Retry(task crawler.CrawlTask, nextEligible time.Time) bool
	Requeue(task crawler.CrawlTask) bool
	Complete(ctx context.Context, task crawler.CrawlTask) error
	Fail(ctx context.Context, task crawler.CrawlTask) error
	Discover(ctx context.Context, parent crawler.CrawlTask, links []string) (int, error)
}

// Extractor turns a fetched page into a candidate.
type Extractor interface {
	Extract(doc crawler.RawDocument, src crawler.Source) (crawler.Candidate, error)
}

// Gate cleans a candidate and decides whether it is kept.
type Gate interface {
	Evaluate(ctx context.Context, cand crawler.Candidate) (crawler.Candidate, crawler.Verdict)
}

// Exporter appends a record to the open shard.
type Exporter interface {
	Append(ctx context.Context, rec crawler.OutputRecord) (crawler.RecordResult, error)
}

// RetryPolicy decides whether and when a failed fetch runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// SourceFunc returns the configuration of a source key.
type SourceFunc func(key string) (crawler.Source, bool)

// Config controls Worker behavior.
type Config struct {
	RespectRobots     bool
	HeadlessEnabled   bool
	DeliveryVersion   string
	RetryAfterDefault time.Duration
}

// Deps bundles the collaborators shared by every worker of a pool.
type Deps struct {
	Frontier    Frontier
	Checkpoint  crawler.CheckpointStore
	Probe       crawler.Fetcher
	Headless    crawler.Fetcher
	Detector    crawler.HeadlessDetector
	Extractor   Extractor
	Gate        Gate
	Dedup       crawler.Deduplicator
	Exporter    Exporter
	Retry       RetryPolicy
	Sources     SourceFunc
	Clock       crawler.Clock
	Progress    progress.Emitter
	Stats       *Stats
	Budget      *Budget
	RunID       [16]byte
	OnExhausted func()
}

// Worker pulls tasks from the frontier until it closes.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	if cfg.DeliveryVersion == "" {
		cfg.DeliveryVersion = "V1.0"
	}
	if cfg.RetryAfterDefault <= 0 {
		cfg.RetryAfterDefault = time.Minute
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run processes tasks until the frontier closes or ctx ends. It returns a
// non-nil error only for failures that must halt the pipeline.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.deps.Frontier.DequeueReady(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, frontier.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		// The page budget is charged only for tasks actually in hand.
		if !w.deps.Budget.Take() {
			w.deps.Frontier.Requeue(task)
			if w.deps.OnExhausted != nil {
				w.deps.OnExhausted()
			}
			return nil
		}
		w.deps.Stats.attempted.Add(1)
		telemetry.IncActiveWorkers()
		err = w.process(ctx, task)
		telemetry.DecActiveWorkers()
		if err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, task crawler.CrawlTask) (err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, task.Source, task.URL, task.Attempt)
	outcome := "exported"
	defer func() {
		telemetry.EndSpan(span, outcome, err)
	}()
	logger := w.logger.With(zap.String("source", task.Source), zap.String("url", task.URL))

	src, _ := w.source(task.Source)
	resp, err := w.fetch(ctx, task, src)
	if err != nil {
		outcome = "fetch_failed"
		return w.handleFetchError(ctx, task, err, logger)
	}
	w.deps.Stats.fetched.Add(1)

	doc := crawler.RawDocument{
		URL:          task.URL,
		FinalURL:     resp.URL,
		FetchedAt:    w.now(),
		Body:         resp.Body,
		StatusCode:   resp.StatusCode,
		Headers:      resp.Headers,
		UsedHeadless: resp.UsedHeadless,
	}
	stageStart := time.Now()
	cand, err := w.deps.Extractor.Extract(doc, src)
	telemetry.ObserveStage("extract", time.Since(stageStart))
	if derr := w.discover(ctx, task, cand.Links); derr != nil {
		return derr
	}
	if err != nil {
		if !errors.Is(err, crawler.ErrExtraction) {
			logger.Warn("extraction error", zap.Error(err))
		}
		if !task.Revisit {
			w.rejected(task, crawler.ReasonExtraction)
		}
		outcome = string(crawler.ReasonExtraction)
		return w.finish(ctx, task)
	}
	w.deps.Stats.extracted.Add(1)

	outcome, err = w.export(ctx, task, cand, logger)
	if err != nil {
		return err
	}
	return w.finish(ctx, task)
}

// export runs the gate, dedup and shard append for one candidate. Only
// checkpoint and shard failures are returned as errors.
func (w *Worker) export(ctx context.Context, task crawler.CrawlTask, cand crawler.Candidate, logger *zap.Logger) (string, error) {
	exported, err := w.deps.Checkpoint.HasExported(ctx, cand.Fingerprint)
	if err != nil {
		return "error", fmt.Errorf("checkpoint lookup: %w", err)
	}
	if exported {
		w.deps.Stats.alreadyExported.Add(1)
		w.rejected(task, crawler.ReasonAlreadyExported)
		return string(crawler.ReasonAlreadyExported), nil
	}

	stageStart := time.Now()
	cand, verdict := w.deps.Gate.Evaluate(ctx, cand)
	telemetry.ObserveStage("quality", time.Since(stageStart))
	if !verdict.Accepted {
		w.rejected(task, verdict.Reason)
		return string(verdict.Reason), nil
	}

	if w.deps.Dedup != nil {
		stageStart = time.Now()
		dv, err := w.deps.Dedup.CheckAndRegister(ctx, cand)
		telemetry.ObserveStage("dedup", time.Since(stageStart))
		if err != nil {
			if ctx.Err() != nil {
				return "canceled", nil
			}
			return "error", fmt.Errorf("dedup: %w", err)
		}
		if !dv.Accepted {
			w.rejected(task, dv.Reason)
			return string(dv.Reason), nil
		}
	}
	w.deps.Stats.accepted.Add(1)

	rec := w.record(cand, verdict.Classification)
	stageStart = time.Now()
	res, err := w.deps.Exporter.Append(ctx, rec)
	telemetry.ObserveStage("export", time.Since(stageStart))
	if err != nil {
		return "error", fmt.Errorf("export %s: %w", cand.Fingerprint, err)
	}
	if res == crawler.AlreadyRecorded {
		w.deps.Stats.alreadyExported.Add(1)
		w.rejected(task, crawler.ReasonAlreadyExported)
		return string(crawler.ReasonAlreadyExported), nil
	}
	w.deps.Stats.exported.Add(1)
	telemetry.ObserveExported(cand.Source)
	w.emit(progress.Event{Stage: progress.StageRecordExported, Source: task.Source, URL: task.URL})
	logger.Debug("record exported", zap.String("id", cand.Fingerprint), zap.String("subdomain", rec.ContentInfo.Subdomain))
	return "exported", nil
}

func (w *Worker) record(cand crawler.Candidate, class crawler.Classification) crawler.OutputRecord {
	return crawler.OutputRecord{
		ID:   cand.Fingerprint,
		Text: cand.Title + "\n" + cand.Body,
		Meta: crawler.RecordMeta{
			Lang:            cand.Lang,
			URL:             cand.URL,
			Source:          cand.Source,
			Type:            cand.ContentType,
			ProcessingDate:  w.now().Format(time.DateOnly),
			DeliveryVersion: w.cfg.DeliveryVersion,
			Title:           cand.Title,
			Content:         cand.Body,
		},
		ContentInfo: crawler.ContentInfo{
			Domain:    class.Domain,
			Subdomain: class.Subdomain,
		},
	}
}

func (w *Worker) fetch(ctx context.Context, task crawler.CrawlTask, src crawler.Source) (crawler.FetchResponse, error) {
	if w.deps.Probe == nil {
		return crawler.FetchResponse{}, errors.New("no probe fetcher configured")
	}
	req := crawler.FetchRequest{
		URL:                   task.URL,
		RespectRobots:         w.cfg.RespectRobots,
		RespectRobotsProvided: true,
	}
	start := time.Now()
	resp, err := w.deps.Probe.Fetch(ctx, req)
	if err != nil {
		telemetry.ObserveFetch(task.Source, "error", 0)
		return crawler.FetchResponse{}, err
	}
	if promoted, ok := w.maybePromote(ctx, req, src, resp); ok {
		resp = promoted
	}
	telemetry.ObserveStage("fetch", time.Since(start))
	telemetry.ObserveFetch(task.Source, string(progress.ClassifyStatus(resp.StatusCode)), len(resp.Body))
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Source:      task.Source,
		URL:         task.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := &crawler.FetchError{URL: task.URL, StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			fe.RetryAfter = crawler.ParseRetryAfter(resp.Headers.Get("Retry-After"), w.now(), w.cfg.RetryAfterDefault)
		}
		return crawler.FetchResponse{}, fe
	}
	return resp, nil
}

func (w *Worker) maybePromote(
	ctx context.Context,
	req crawler.FetchRequest,
	src crawler.Source,
	resp crawler.FetchResponse,
) (crawler.FetchResponse, bool) {
	if !w.cfg.HeadlessEnabled || w.deps.Headless == nil {
		return resp, false
	}
	if !src.Headless && (w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(resp)) {
		return resp, false
	}
	req.UseHeadless = true
	if len(src.Selectors) > 0 {
		req.WaitSelector = strings.Join(src.Selectors, ", ")
	}
	headlessResp, err := w.deps.Headless.Fetch(ctx, req)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return resp, false
	}
	headlessResp.UsedHeadless = true
	w.deps.Stats.headless.Add(1)
	telemetry.ObserveHeadlessPromotion()
	return headlessResp, true
}

// handleFetchError retries transient failures with backoff and drops the rest.
// Eligibility times use the wall clock the frontier schedules against.
func (w *Worker) handleFetchError(ctx context.Context, task crawler.CrawlTask, err error, logger *zap.Logger) error {
	kind := crawler.ClassifyFetch(err)
	if kind == crawler.FailureCanceled || ctx.Err() != nil {
		w.deps.Frontier.Requeue(task)
		return nil
	}
	if kind == crawler.FailureTransient && w.deps.Retry != nil && w.deps.Retry.ShouldRetry(err, task.Attempt+1) {
		delay := w.deps.Retry.Backoff(task.Attempt)
		var fe *crawler.FetchError
		if errors.As(err, &fe) && fe.RetryAfter > delay {
			delay = fe.RetryAfter
		}
		if w.deps.Frontier.Retry(task, time.Now().Add(delay)) {
			w.deps.Stats.retried.Add(1)
			logger.Debug("fetch retry scheduled", zap.Int("attempt", task.Attempt+1), zap.Duration("delay", delay), zap.Error(err))
		}
		return nil
	}
	w.deps.Stats.fetchFailed.Add(1)
	logger.Info("fetch failed", zap.Stringer("kind", kind), zap.Int("attempt", task.Attempt+1), zap.Error(err))
	if ferr := w.deps.Frontier.Fail(context.WithoutCancel(ctx), task); ferr != nil {
		return fmt.Errorf("record failed task: %w", ferr)
	}
	return nil
}

func (w *Worker) discover(ctx context.Context, task crawler.CrawlTask, links []string) error {
	if len(links) == 0 {
		return nil
	}
	n, err := w.deps.Frontier.Discover(ctx, task, links)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("discover links: %w", err)
	}
	w.deps.Stats.discovered.Add(int64(n))
	return nil
}

// finish records the task as done. The bookkeeping outlives ctx so a
// processed page is never fetched again.
func (w *Worker) finish(ctx context.Context, task crawler.CrawlTask) error {
	if err := w.deps.Frontier.Complete(context.WithoutCancel(ctx), task); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (w *Worker) rejected(task crawler.CrawlTask, reason crawler.RejectReason) {
	w.deps.Stats.reject(reason)
	telemetry.ObserveRejected(string(reason))
	w.emit(progress.Event{Stage: progress.StageRecordRejected, Source: task.Source, URL: task.URL, Reason: string(reason)})
}

func (w *Worker) source(key string) (crawler.Source, bool) {
	if w.deps.Sources == nil {
		return crawler.Source{}, false
	}
	return w.deps.Sources(key)
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Progress == nil {
		return
	}
	evt.RunID = w.deps.RunID
	evt.TS = w.now()
	w.deps.Progress.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}
