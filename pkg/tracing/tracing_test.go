package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rillcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(config.DefaultConfig().Tracing, "rillcall-test")
	require.NoError(t, err)
	assert.Nil(t, tp.sdk)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestInit_EnabledInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.SampleRate = 0.5

	tp, err := Init(cfg, "rillcall-test")
	require.NoError(t, err)
	require.NotNil(t, tp.sdk)
	assert.Same(t, tp.sdk, otel.GetTracerProvider())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceStartStage_RecordsAttributes(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceStartStage(context.Background(), "join", "Test")
	Finish(span, errors.New("network-timeout"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "session.start.join", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), StageKey.String("join"))
	assert.Contains(t, ended[0].Attributes(), ChannelKey.String("Test"))
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "network-timeout", ended[0].Status().Description)
}

func TestFinish_WithoutError(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceToggle(context.Background(), "video")
	Finish(span, nil)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "toggle.video", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestRecordError_MarksSpanInContext(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceSignalMessage(context.Background(), "join", "conn-123")
	RecordError(ctx, errors.New("channel full"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.join", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), ConnIDKey.String("conn-123"))
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestTraceHTTPRequest_ContinuesIncomingTrace(t *testing.T) {
	recorder := withRecorder(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/call/start", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	_, span := TraceHTTPRequest(req, "")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "http.POST /api/v1/call/start", ended[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ended[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", ended[0].Parent().SpanID().String())
}
