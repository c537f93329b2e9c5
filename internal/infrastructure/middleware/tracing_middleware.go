package middleware

import (
	"net/http"
	"time"

	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

func requestID(c *gin.Context) string {
	if id := c.GetHeader(RequestIDHeader); id != "" {
		return id
	}
	return uuid.New().String()
}

// TracingMiddleware opens a server span per request, echoes or assigns an
// X-Request-ID and stores both ids on the request context for logging.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request, c.FullPath())
		defer span.End()

		id := requestID(c)
		c.Header(RequestIDHeader, id)
		ctx = logger.WithRequestID(ctx, id)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		span.SetAttributes(
			attribute.String("http.request_id", id),
			attribute.String("http.client_ip", c.ClientIP()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		endHTTPSpan(span, c)
	}
}

// endHTTPSpan marks only 5xx responses as span errors; a 4xx is the
// caller's fault and not a server failure.
func endHTTPSpan(span trace.Span, c *gin.Context) {
	status := c.Writer.Status()
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int("http.response_size", c.Writer.Size()),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, c.Errors.String())
	}
}

// RequestLoggingMiddleware logs every request with the ids stored by
// TracingMiddleware.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
