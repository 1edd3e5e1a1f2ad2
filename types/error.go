package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Fatal before execution
const (
	ErrConfiguration ErrorCode = "CONFIGURATION"
	ErrValidation    ErrorCode = "VALIDATION"
	ErrCycle         ErrorCode = "CYCLE"
	ErrReference     ErrorCode = "REFERENCE"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
)

// Recovered into node results
const (
	ErrReadiness       ErrorCode = "READINESS"
	ErrBackend         ErrorCode = "BACKEND"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrCancelled       ErrorCode = "CANCELLED"
	ErrContractBroken  ErrorCode = "CONTRACT_VIOLATION"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrRegression      ErrorCode = "REGRESSION"
)

// Error represents a structured error with code, message, and the id of the
// offending card, node, backend or strategy.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Ref       string    `json:"ref,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Ref != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Ref)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRef records the id the error is about.
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the error code from an error chain.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// NewConfigurationError reports a bad profile/strategy combination.
func NewConfigurationError(ref, format string, args ...any) *Error {
	return Errorf(ErrConfiguration, format, args...).WithRef(ref)
}

// NewValidationError reports a malformed card or graph.
func NewValidationError(ref, format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...).WithRef(ref)
}

// NewNotFoundError reports a card that is not in the merged registry view.
func NewNotFoundError(kind, id string) *Error {
	return Errorf(ErrNotFound, "%s card not found", kind).WithRef(id)
}

// NewVersionConflict reports a stale optimistic-concurrency write.
func NewVersionConflict(key string, expected, actual int64) *Error {
	return Errorf(ErrVersionConflict, "stale write: expected version %d, current version %d", expected, actual).
		WithRef(key).
		WithRetryable(true)
}

// NewRegressionError reports a backend that passed before and now does not.
func NewRegressionError(backend, status string) *Error {
	return Errorf(ErrRegression, "backend previously passed verification but now reports %s", status).
		WithRef(backend)
}
