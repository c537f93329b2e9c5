package tracing

import (
	"context"
	"fmt"
	"net/http"

	"rillcall/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "rillcall"
	serviceVersion      = "0.3.0"
)

// Span attributes shared by the call surfaces
var (
	ChannelKey    = attribute.Key("call.channel")
	StageKey      = attribute.Key("call.stage")
	CapabilityKey = attribute.Key("call.capability")
	MessageKey    = attribute.Key("signal.message_type")
	ConnIDKey     = attribute.Key("signal.conn_id")
)

type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs the global propagator and, when cfg is enabled, a Jaeger
// backed tracer provider reporting as service. Disabled tracing leaves the
// no-op provider in place.
func Init(cfg config.TracingConfig, service string) (*TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter for %s: %w", cfg.JaegerURL, err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	return &TracerProvider{sdk: sdk}, nil
}

// Shutdown flushes pending spans
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Finish ends span, recording err first when there is one
func Finish(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceHTTPRequest starts a server span for r, continuing a trace carried
// in its headers.
func TraceHTTPRequest(r *http.Request, route string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if route == "" {
		route = r.URL.Path
	}
	return StartSpan(ctx, fmt.Sprintf("http.%s %s", r.Method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceSignalMessage spans one message handled by the signal server
func TraceSignalMessage(ctx context.Context, messageType, connID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(MessageKey.String(messageType), ConnIDKey.String(connID)),
	)
}

// TraceStartStage spans one stage of the session start pipeline
func TraceStartStage(ctx context.Context, stage, channel string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.start."+stage,
		trace.WithAttributes(StageKey.String(stage), ChannelKey.String(channel)),
	)
}

func TraceToggle(ctx context.Context, capability string) (context.Context, trace.Span) {
	return StartSpan(ctx, "toggle."+capability,
		trace.WithAttributes(CapabilityKey.String(capability)),
	)
}
