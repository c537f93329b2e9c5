// Package errors defines the coded errors shared by the coordinator, the
// signaling server and the HTTP handlers. Call conditions carry the stage
// and reason the control API reports back to clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorCode string

// Call conditions
const (
	ErrCodeJoinFailed             ErrorCode = "JOIN_FAILED"
	ErrCodePublishFailed          ErrorCode = "PUBLISH_FAILED"
	ErrCodeSubscribeFailed        ErrorCode = "SUBSCRIBE_FAILED"
	ErrCodeCapabilityToggleFailed ErrorCode = "CAPABILITY_TOGGLE_FAILED"
	ErrCodeSessionStartFailed     ErrorCode = "SESSION_START_FAILED"
	ErrCodeInvalidOperation       ErrorCode = "INVALID_OPERATION"
	ErrCodeMediaAcquireFailed     ErrorCode = "MEDIA_ACQUIRE_FAILED"
	ErrCodeConnectionLost         ErrorCode = "CONNECTION_LOST"
)

// Request errors
const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

const unknownReason = "unknown"

type AppError struct {
	Code       ErrorCode
	Message    string
	Stage      string
	Reason     string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Stage != "" {
		fmt.Fprintf(&b, " (stage=%s)", e.Stage)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches a detail that is rendered with the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError keeps err as the cause and its text as the reason
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	e := NewAppError(code, message, httpStatus)
	e.Cause = err
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

func reasonOf(cause error) string {
	if cause == nil {
		return unknownReason
	}
	return cause.Error()
}

// condition builds a call condition whose message is "<what>: <reason>".
func condition(code ErrorCode, what string, cause error) *AppError {
	reason := reasonOf(cause)
	e := NewAppError(code, what+": "+reason, http.StatusBadGateway)
	e.Reason = reason
	e.Cause = cause
	return e
}

func NewJoinFailedError(cause error) *AppError {
	return condition(ErrCodeJoinFailed, "join failed", cause)
}

func NewPublishFailedError(cause error) *AppError {
	return condition(ErrCodePublishFailed, "publish failed", cause)
}

func NewSubscribeFailedError(cause error) *AppError {
	return condition(ErrCodeSubscribeFailed, "subscribe failed", cause)
}

func NewCapabilityToggleFailedError(capability string, cause error) *AppError {
	return condition(ErrCodeCapabilityToggleFailed, capability+" toggle failed", cause).
		WithContext("capability", capability)
}

func NewMediaAcquireFailedError(cause error) *AppError {
	return condition(ErrCodeMediaAcquireFailed, "media acquisition failed", cause)
}

func NewConnectionLostError(cause error) *AppError {
	return condition(ErrCodeConnectionLost, "connection lost", cause)
}

// NewSessionStartFailedError reports the stage a start stopped at. When the
// cause is itself a condition its reason is lifted, so a join rejected with
// "network-timeout" reports reason "network-timeout".
func NewSessionStartFailedError(stage string, cause error) *AppError {
	reason := reasonOf(cause)
	if inner := GetAppError(cause); inner != nil && inner.Reason != "" {
		reason = inner.Reason
	}
	e := NewAppError(ErrCodeSessionStartFailed,
		fmt.Sprintf("session start failed at %s: %s", stage, reason), http.StatusBadGateway)
	e.Stage = stage
	e.Reason = reason
	e.Cause = cause
	return e
}

func NewInvalidOperationError(message string) *AppError {
	e := NewAppError(ErrCodeInvalidOperation, message, http.StatusConflict)
	e.Reason = message
	return e
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, resource+" not found", http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError returns the first AppError in err's chain, or nil
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
