package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "meshcall", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, tp.Enabled())
	assert.NoError(t, tp.Shutdown(context.Background()))

	var nilProvider *TracerProvider
	assert.False(t, nilProvider.Enabled())
}

func TestSpansAreRecorded(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, join := TraceCall(context.Background(), "join", "g1", "alice", "video")
	_, offer := TraceNegotiation(ctx, "offer", "bob", "n-1")
	offer.End()

	storeCtx, set := TraceStoreOperation(ctx, "set", "groups/g1/calls/active/participants/alice")
	RecordError(storeCtx, errors.New("unavailable"))
	RecordError(storeCtx, nil)
	set.End()
	join.End()

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "webrtc.offer", spans[0].Name())
	assert.Equal(t, "docstore.set", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "call.join", spans[2].Name())
	assert.Equal(t, spans[2].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestHelpersWithoutProvider(t *testing.T) {
	ctx, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/call")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, RequestIDKey.String("r-1"))
	RecordError(ctx, errors.New("boom"))
	span.End()
}
