// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/corpus-crawler/internal/config"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	crawlerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Total number of fetch attempts, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by source.",
		},
		[]string{"source"},
	)

	crawlerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_rejected_total",
			Help: "Candidates dropped, labeled by reason.",
		},
		[]string{"reason"},
	)

	crawlerExportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_exported_total",
			Help: "Records appended to a shard, labeled by source.",
		},
		[]string{"source"},
	)

	crawlerShardsSealedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_shards_sealed_total",
			Help: "Total number of sealed shards.",
		},
	)

	crawlerShardRollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_shard_rollbacks_total",
			Help: "Appends truncated because the checkpoint claim was lost or the write failed.",
		},
	)

	crawlerFrontierDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_frontier_depth",
			Help: "Number of queued crawl tasks.",
		},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	crawlerHeadlessPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_headless_promotions_total",
			Help: "Fetches re-run through the headless browser.",
		},
	)

	crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_probe_tls_handshake_timeout_total",
			Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
		},
	)

	crawlerStageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_stage_duration_seconds",
			Help:    "Histogram of per-stage processing latency.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"stage"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up Tracing (Google Cloud) and Metrics (Prometheus).
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Telemetry.ServiceName),
				semconv.ServiceVersion(cfg.Telemetry.Version),
				semconv.CloudAccountID(cfg.Telemetry.ProjectID),
				semconv.CloudRegion(cfg.Telemetry.Region),
				semconv.CloudProviderGCP,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		// Traces go straight to Cloud Trace when a project is configured.
		var traceExporter sdktrace.SpanExporter
		if cfg.Telemetry.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Telemetry.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// OTel metrics share the promauto registry so /metrics serves both.
		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveFetch records one fetch attempt.
func ObserveFetch(source, outcome string, bytesFetched int) {
	crawlerFetchesTotal.WithLabelValues(source, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveRejected records a dropped candidate.
func ObserveRejected(reason string) {
	crawlerRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveExported records a record appended to a shard.
func ObserveExported(source string) {
	crawlerExportedTotal.WithLabelValues(source).Inc()
}

// ObserveShardSealed records a sealed shard.
func ObserveShardSealed() {
	crawlerShardsSealedTotal.Inc()
}

// ObserveShardRollback records a truncated append.
func ObserveShardRollback() {
	crawlerShardRollbacksTotal.Inc()
}

// SetFrontierDepth publishes the current number of queued tasks.
func SetFrontierDepth(depth int) {
	crawlerFrontierDepth.Set(float64(depth))
}

// ObserveHeadlessPromotion records a headless re-fetch.
func ObserveHeadlessPromotion() {
	crawlerHeadlessPromotionsTotal.Inc()
}

// ObserveProbeTLSHandshakeTimeout records a TLS handshake timeout during robots.txt probing.
func ObserveProbeTLSHandshakeTimeout() {
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	crawlerStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}
