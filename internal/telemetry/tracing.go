package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JakeFAU/corpus-crawler"

// StartTaskSpan opens a span covering one crawl task.
func StartTaskSpan(ctx context.Context, source, url string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "crawl.task",
		trace.WithAttributes(
			attribute.String("crawl.source", source),
			attribute.String("crawl.url", url),
			attribute.Int("crawl.attempt", attempt),
		),
	)
}

// EndSpan records err (if any) and the outcome on span before ending it.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("crawl.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
