package middleware

import (
	"net/http"
	"runtime/debug"

	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var internalError = errors.NewInternalError("Internal server error")

// errorResponse is the JSON shape of every failed control API call. Stage
// and reason are set for SESSION_START_FAILED and the other call conditions.
type errorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Stage     string                 `json:"stage,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func renderError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorResponse{
		Error:     string(appErr.Code),
		Message:   appErr.Message,
		Stage:     appErr.Stage,
		Reason:    appErr.Reason,
		Details:   appErr.Context,
		RequestID: c.Writer.Header().Get(RequestIDHeader),
	})
}

// ErrorHandlerMiddleware renders the last error handlers attached with
// c.Error. Errors that are not AppErrors become INTERNAL_ERROR.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"request_id", c.Writer.Header().Get(RequestIDHeader),
		}

		appErr := errors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error", append(fields, "error", err.Error())...)
			renderError(c, internalError)
			return
		}

		fields = append(fields,
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"message", appErr.Message,
		)
		if appErr.Stage != "" {
			fields = append(fields, "stage", appErr.Stage, "reason", appErr.Reason)
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Infow("request rejected", fields...)
		}
		renderError(c, appErr)
	}
}

// RecoveryMiddleware turns a handler panic into a 500
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.Errorw("panic recovered",
					"panic", p,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				renderError(c, internalError)
			}
		}()

		c.Next()
	}
}
