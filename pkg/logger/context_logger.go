package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
)

var contextKeys = []contextKey{traceIDKey, requestIDKey}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// Fields returns the ids stored in ctx as zap fields
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// ContextLogger tags entries with the request and trace ids of a context
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns the base logger when ctx carries no ids
func (cl *ContextLogger) For(ctx context.Context) *zap.Logger {
	fields := Fields(ctx)
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest logs one served HTTP request. Server errors log at error
// level and client errors at warn.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, elapsed time.Duration) {
	level := zapcore.InfoLevel
	switch {
	case status >= 500:
		level = zapcore.ErrorLevel
	case status >= 400:
		level = zapcore.WarnLevel
	}
	if ce := cl.For(ctx).Check(level, "http request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
}
