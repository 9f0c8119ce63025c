// Package errors provides the error taxonomy shared across the daemon.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeUnavailable = "AGENT_UNAVAILABLE"
	ErrCodeTransient   = "TRANSIENT_IO"
	ErrCodeDurability  = "DURABILITY_ERROR"
	ErrCodeAdapter     = "ADAPTER_ERROR"
	ErrCodeInvariant   = "INVARIANT_VIOLATION"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates an error for malformed input. Validation errors are
// rejected at ingress and never reach the durable queue.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates an error for a uniqueness or state-transition clash.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Unavailable creates a deterministic routing rejection.
func Unavailable(agent, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeUnavailable,
		Message:    fmt.Sprintf("agent '%s' not routable: %s", agent, reason),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Transient creates an error for a retryable I/O failure.
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Durability creates an error for a failed queue or outbox write. These must
// surface to the caller; they never silently succeed.
func Durability(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDurability,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Adapter creates an error for a platform API failure inside a fan-out lane.
func Adapter(adapter, message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAdapter,
		Message:    fmt.Sprintf("adapter '%s': %s", adapter, message),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Invariant creates an error for a broken internal invariant. The affected
// operation fails; the daemon continues.
func Invariant(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvariant,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates a generic internal error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err carries the given application error code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus extracts the HTTP status from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
