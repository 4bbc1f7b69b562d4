package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific error type of the turn API.
type ErrorCode string

const (
	// ErrCodeUnauthorized indicates authentication failure.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeForbidden indicates the caller may not act on the session.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"
	// ErrCodeNotFound indicates the addressed session does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeRateLimitExceeded indicates rate limit has been exceeded.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeServiceUnavailable indicates the service is not available.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeLLMUnavailable indicates no generator could answer.
	ErrCodeLLMUnavailable ErrorCode = "LLM_UNAVAILABLE"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeTurnFailed indicates an unexpected failure while processing a turn.
	ErrCodeTurnFailed ErrorCode = "TURN_FAILED"
)

// statusCanceled is the de facto status for a client that went away.
const statusCanceled = 499

var httpStatus = map[ErrorCode]int{
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeRateLimitExceeded:  http.StatusTooManyRequests,
	ErrCodeInvalidArgument:    http.StatusBadRequest,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeLLMUnavailable:     http.StatusServiceUnavailable,
	ErrCodeContextCanceled:    statusCanceled,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeTurnFailed:         http.StatusInternalServerError,
}

// AIError represents a structured API error.
type AIError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *AIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AIError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *AIError) WithContext(key string, value any) *AIError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// HTTPStatus returns the status code the error is served with.
func (e *AIError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Response is the JSON body of an error. The cause is never exposed.
type Response struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response renders the error body.
func (e *AIError) Response() Response {
	return Response{Code: e.Code, Message: e.Message, Details: e.Context}
}

// Convenience constructors for common error types.

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *AIError {
	return &AIError{Code: ErrCodeUnauthorized, Message: msg}
}

// Forbidden creates a forbidden error.
func Forbidden(msg string) *AIError {
	return &AIError{Code: ErrCodeForbidden, Message: msg}
}

// NotFound creates a not found error.
func NotFound(msg string) *AIError {
	return &AIError{Code: ErrCodeNotFound, Message: msg}
}

// RateLimitExceeded creates a rate limit exceeded error.
func RateLimitExceeded(msg string) *AIError {
	return &AIError{Code: ErrCodeRateLimitExceeded, Message: msg}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *AIError {
	return &AIError{Code: ErrCodeInvalidArgument, Message: msg}
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(msg string) *AIError {
	return &AIError{Code: ErrCodeServiceUnavailable, Message: msg}
}

// LLMUnavailable creates a generator unavailable error.
func LLMUnavailable(msg string, cause error) *AIError {
	return &AIError{Code: ErrCodeLLMUnavailable, Message: msg, Cause: cause}
}

// ContextCanceled creates a context canceled error.
func ContextCanceled(cause error) *AIError {
	return &AIError{Code: ErrCodeContextCanceled, Message: "operation canceled", Cause: cause}
}

// Timeout creates a timeout error.
func Timeout(msg string, cause error) *AIError {
	return &AIError{Code: ErrCodeTimeout, Message: msg, Cause: cause}
}

// TurnFailed creates an unexpected turn failure.
func TurnFailed(cause error) *AIError {
	return &AIError{Code: ErrCodeTurnFailed, Message: "failed to process turn", Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *AIError {
	return &AIError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error chain holds an AIError with code.
func IsCode(err error, code ErrorCode) bool {
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not an AIError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr.Code
	}
	return defaultCode
}
