// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/api"
	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/postgres"
	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/redis"
	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/sqlite"
	"github.com/JakeFAU/corpus-crawler/internal/classify/remote"
	"github.com/JakeFAU/corpus-crawler/internal/classify/rules"
	"github.com/JakeFAU/corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/corpus-crawler/internal/config"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/dedup"
	"github.com/JakeFAU/corpus-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/corpus-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/corpus-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/corpus-crawler/internal/frontier"
	"github.com/JakeFAU/corpus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/corpus-crawler/internal/headless/detector"
	"github.com/JakeFAU/corpus-crawler/internal/id/uuid"
	"github.com/JakeFAU/corpus-crawler/internal/logging"
	"github.com/JakeFAU/corpus-crawler/internal/pipeline"
	"github.com/JakeFAU/corpus-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/corpus-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/corpus-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/corpus-crawler/internal/quality"
	"github.com/JakeFAU/corpus-crawler/internal/shard"
	"github.com/JakeFAU/corpus-crawler/internal/sources"
	gcsstorage "github.com/JakeFAU/corpus-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/corpus-crawler/internal/storage/local"
	"github.com/JakeFAU/corpus-crawler/internal/telemetry"
	"github.com/JakeFAU/corpus-crawler/internal/worker"
)

// shutdownGrace bounds how long a signalled drain may take before in-flight
// fetches are cancelled.
const shutdownGrace = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	controller      *pipeline.Controller
	scheduler       *sources.Scheduler
	progressHub     *progress.Hub
	checkpoint      crawler.CheckpointStore
	probe           *collyfetcher.Fetcher
	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	runID           uuid.RunID
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		Concurrency int    `json:"concurrency"`
		Checkpoint  string `json:"checkpoint"`
		ShardDir    string `json:"shard_dir"`
		Storage     string `json:"storage"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		Concurrency: cfg.Crawler.Concurrency,
		Checkpoint:  cfg.Checkpoint.Backend,
		ShardDir:    cfg.Shard.Dir,
		Storage:     cfg.Storage.Backend,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Controller exposes the pipeline for callers that drive it directly.
func (a *App) Controller() *pipeline.Controller {
	return a.controller
}

// Run starts the pipeline and the status server and blocks until the run
// stops. SIGINT or SIGTERM starts a graceful drain; in-flight fetches are
// cancelled only if the drain outlasts shutdownGrace.
func (a *App) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	if err := a.controller.Start(runCtx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("start pipeline: %w", err)
	}
	a.logger.Info("application started", zap.String("run_id", a.controller.Status().RunID))

	if a.scheduler != nil {
		a.scheduler.Start(runCtx)
		a.logger.Info("reseed schedule started", zap.Time("next", a.scheduler.Next()))
	}

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				a.controller.Stop()
			}
		}()
	}

	select {
	case <-sigCtx.Done():
		a.logger.Info("shutdown initiated")
		a.controller.Stop()
		select {
		case <-a.controller.Done():
		case <-time.After(shutdownGrace):
			a.logger.Warn("drain timed out, cancelling in-flight fetches", zap.Duration("grace", shutdownGrace))
			cancelRun()
			<-a.controller.Done()
		}
	case <-a.controller.Done():
	}
	runErr := a.controller.Wait()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if n := a.progressHub.Dropped(); n > 0 {
			a.logger.Warn("progress events lost to backpressure", zap.Int64("dropped", n))
		}
	}
	if a.probe != nil && a.probe.RobotsFallbacks() > 0 {
		a.logger.Warn("robots.txt lookups fell back to allow-all",
			zap.Int64("count", a.probe.RobotsFallbacks()))
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.checkpoint != nil {
		if err := a.checkpoint.Close(); err != nil {
			a.logger.Warn("checkpoint store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	// Initialize tracing
	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	srcs, err := sources.Load(a.cfg.Sources.File)
	if err != nil {
		return fmt.Errorf("sources init failed: %w", err)
	}
	a.logger.Info("sources loaded", zap.Int("count", len(srcs)), zap.String("file", a.cfg.Sources.File))

	runID, err := uuid.New().NewRunID()
	if err != nil {
		return err
	}
	a.runID = runID

	clock := system.New()
	if a.checkpoint, err = setupCheckpoint(ctx, a, clock); err != nil {
		return err
	}

	progressEmitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}

	hooks, err := setupSealHooks(ctx, a, progressEmitter)
	if err != nil {
		return err
	}
	writer, err := shard.Open(ctx, shard.Config{
		Dir:            a.cfg.Shard.Dir,
		Prefix:         a.cfg.Shard.Prefix,
		Capacity:       a.cfg.Shard.Capacity,
		WriteRetries:   a.cfg.Shard.WriteRetries,
		SealOnShutdown: a.cfg.Shard.SealOnShutdown,
	}, a.checkpoint, clock, a.logger.Named("shard"), hooks...)
	if err != nil {
		return fmt.Errorf("shard writer init failed: %w", err)
	}

	classifier, err := setupClassifier(a)
	if err != nil {
		_ = writer.Close()
		return err
	}

	deps, err := setupFetchers(a)
	if err != nil {
		_ = writer.Close()
		return err
	}
	deps.Frontier = frontier.New(frontier.Config{
		Politeness:        a.cfg.Politeness(),
		RequestsPerMinute: a.cfg.Frontier.RequestsPerMinute,
		MaxQueuePerSource: a.cfg.Frontier.MaxQueuePerSource,
		DenyDomains:       a.cfg.Frontier.DenyDomains,
	}, a.checkpoint, a.logger.Named("frontier"))
	deps.Writer = writer
	deps.Checkpoint = a.checkpoint
	deps.Dedup = dedup.New(dedup.Config{Threshold: a.cfg.Dedup.Threshold})
	deps.Extractor = extract.New(extract.Config{
		DefaultLang: a.cfg.Output.DefaultLang,
		ContentType: a.cfg.Output.ContentType,
	}, sha256.New(), clock)
	lq := a.cfg.Quality.LowQuality
	deps.Gate = quality.New(quality.Config{
		MinChars: a.cfg.Quality.MinChars,
		MaskPII:  a.cfg.Quality.MaskPII,
		LowQuality: quality.LowQualityConfig{
			Disabled:          !lq.Enabled,
			MaxPromoRatio:     lq.MaxPromoRatio,
			MinUniqueRatio:    lq.MinUniqueRatio,
			MinPrintableRatio: lq.MinPrintableRatio,
			MaxShortWordRatio: lq.MaxShortWordRatio,
			MinSentenceWords:  lq.MinSentenceWords,
		},
	}, classifier, a.logger.Named("quality"))
	deps.Retry = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts: a.cfg.HTTP.MaxAttempts,
		BaseDelay:   time.Duration(a.cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(a.cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		Factor:      a.cfg.HTTP.BackoffFactor,
	})
	deps.Sources = srcs
	deps.Clock = clock
	deps.Progress = progressEmitter
	deps.RunID = a.runID

	pipelineCfg := pipeline.Config{
		Concurrency:  a.cfg.Crawler.Concurrency,
		MaxPages:     a.cfg.Limits.MaxPages,
		MaxDuration:  a.cfg.MaxDuration(),
		StopWhenIdle: a.cfg.Limits.StopWhenIdle,
		WarmDedup:    a.cfg.Dedup.WarmFromShards,
		ShardDir:     a.cfg.Shard.Dir,
		ShardPrefix:  a.cfg.Shard.Prefix,
		Worker: worker.Config{
			RespectRobots:     !a.cfg.Crawler.IgnoreRobots,
			HeadlessEnabled:   a.cfg.Headless.Enabled,
			DeliveryVersion:   a.cfg.Output.DeliveryVersion,
			RetryAfterDefault: time.Duration(a.cfg.HTTP.RetryAfterSeconds) * time.Second,
		},
	}
	a.logger.Info("pipeline config",
		zap.Int("concurrency", pipelineCfg.Concurrency),
		zap.Int("max_pages", pipelineCfg.MaxPages),
		zap.Duration("max_duration", pipelineCfg.MaxDuration),
		zap.Bool("stop_when_idle", pipelineCfg.StopWhenIdle),
		zap.Bool("warm_dedup", pipelineCfg.WarmDedup),
	)
	a.controller, err = pipeline.New(pipelineCfg, deps, a.logger.Named("pipeline"))
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	if spec := a.cfg.Sources.ReseedCron; spec != "" {
		a.scheduler, err = sources.NewScheduler(spec, a.controller.Reseed, a.logger.Named("reseed"))
		if err != nil {
			a.controller.Stop()
			return fmt.Errorf("reseed schedule init failed: %w", err)
		}
	}

	a.apiServer = api.NewServer(a.controller, *a.cfg, a.logger.Named("api"))
	return nil
}

func setupCheckpoint(ctx context.Context, app *App, clock crawler.Clock) (crawler.CheckpointStore, error) {
	cfg := app.cfg.Checkpoint
	var (
		store crawler.CheckpointStore
		err   error
	)
	switch cfg.Backend {
	case "postgres":
		app.logger.Info("using postgres checkpoint store", zap.String("table_prefix", cfg.TablePrefix))
		store, err = postgres.Open(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			TablePrefix:     cfg.TablePrefix,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			Clock:           clock,
		})
	case "redis":
		app.logger.Info("using redis checkpoint store", zap.String("addr", cfg.RedisAddr))
		store, err = redis.Open(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Clock:    clock,
		})
	case "memory":
		app.logger.Warn("using in-memory checkpoint store; restarts will re-export everything")
		store = memory.New()
	default:
		app.logger.Info("using sqlite checkpoint store", zap.String("path", cfg.SQLitePath))
		store, err = sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, Clock: clock})
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store init failed: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("checkpoint store unavailable: %w", err)
	}
	return store, nil
}

func setupClassifier(app *App) (crawler.Classifier, error) {
	cfg := app.cfg.Classifier
	switch cfg.Backend {
	case "none":
		app.logger.Info("topic classifier disabled")
		return nil, nil
	case "remote":
		app.logger.Info("using remote topic classifier", zap.String("url", cfg.RemoteURL))
		return remote.New(remote.Config{
			URL:     cfg.RemoteURL,
			Timeout: time.Duration(cfg.RemoteTimeoutMs) * time.Millisecond,
		}, nil), nil
	default:
		topics := make([]rules.Topic, 0, len(cfg.Topics))
		for _, t := range cfg.Topics {
			topics = append(topics, rules.Topic{Domain: t.Domain, Subdomain: t.Subdomain, Keywords: t.Keywords})
		}
		c, err := rules.New(rules.Config{
			Topics:               topics,
			MinMatches:           cfg.MinMatches,
			Exclusions:           cfg.Exclusions,
			UseDefaultExclusions: cfg.UseDefaultExclusions,
		})
		if err != nil {
			return nil, fmt.Errorf("rules classifier init failed: %w", err)
		}
		app.logger.Info("using rule-based topic classifier",
			zap.Int("topics", len(topics)),
			zap.Int("exclusions", len(cfg.Exclusions)),
			zap.Bool("default_exclusions", cfg.UseDefaultExclusions),
		)
		return c, nil
	}
}

// setupFetchers fills the fetch-related pipeline dependencies.
func setupFetchers(app *App) (pipeline.Deps, error) {
	var deps pipeline.Deps
	app.probe = collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Crawler.UserAgent,
		RespectRobots: !app.cfg.Crawler.IgnoreRobots,
		Timeout:       app.cfg.FetchTimeout(),
	})
	deps.Probe = app.probe
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", app.cfg.Crawler.UserAgent))
	if !app.cfg.Headless.Enabled {
		return deps, nil
	}
	var err error
	app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       app.cfg.Headless.MaxParallel,
		UserAgent:         app.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return deps, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	deps.Headless = app.headless
	deps.Detector = detector.NewHeuristic(app.cfg.Headless.PromotionThresh)
	app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	return deps, nil
}

func setupSealHooks(ctx context.Context, app *App, emitter progress.Emitter) ([]shard.SealHook, error) {
	hooks := []shard.SealHook{pipeline.ProgressHook(emitter, app.runID)}

	var blobs crawler.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("archiving sealed shards to GCS", zap.String("bucket", app.cfg.Storage.Bucket))
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		app.logger.Info("archiving sealed shards to local dir", zap.String("path", app.cfg.Storage.LocalDir))
		blobs, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		app.logger.Info("sealed shard archiving disabled")
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	topic := app.cfg.PubSub.TopicName
	switch {
	case blobs != nil && publisher != nil:
		hooks = append(hooks, shard.ArchiveAndPublishHook(blobs, app.cfg.Storage.Prefix, publisher, topic))
	case blobs != nil:
		hooks = append(hooks, shard.ArchiveHook(blobs, app.cfg.Storage.Prefix))
	case publisher != nil:
		hooks = append(hooks, shard.PublishHook(publisher, topic))
	}
	return hooks, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("No Pub/Sub topic configured, shard notifications disabled")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher, map[string]string{
		"service": app.cfg.Telemetry.ServiceName,
	}), nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}
