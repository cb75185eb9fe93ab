package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Publish(context.Background(), "shard.sealed", map[string]int{"lines": 1})
	require.Error(t, err)
}

func TestAttributesCarryEvent(t *testing.T) {
	t.Parallel()

	base := map[string]string{"pipeline": "corpus"}
	p := New(nil, base)
	base["pipeline"] = "mutated"

	attrs := p.attributes("shard.sealed")
	require.Equal(t, map[string]string{"pipeline": "corpus", "event": "shard.sealed"}, attrs)
	require.NotContains(t, p.attributes(""), "event")
}

func TestCarrierPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	c := carrier{}
	propagation.TraceContext{}.Inject(ctx, c)
	require.Contains(t, c.Keys(), "traceparent")

	extracted := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(context.Background(), c))
	require.Equal(t, traceID, extracted.TraceID())
}
