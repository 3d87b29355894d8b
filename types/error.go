package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Scheduling error codes
const (
	ErrDependencyCycle  ErrorCode = "DEPENDENCY_CYCLE"
	ErrExecutorNotFound ErrorCode = "EXECUTOR_NOT_FOUND"
	ErrTaskFailed       ErrorCode = "TASK_FAILED"
	ErrTaskTimeout      ErrorCode = "TASK_TIMEOUT"
	ErrWorkflowTimeout  ErrorCode = "WORKFLOW_TIMEOUT"
	ErrAlreadyRunning   ErrorCode = "ALREADY_RUNNING"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrInvalidWorkflow  ErrorCode = "INVALID_WORKFLOW"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrShuttingDown     ErrorCode = "SHUTTING_DOWN"
)

// Fault-isolation error codes
const (
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// Persistence error codes
const (
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrOutboxPersist ErrorCode = "OUTBOX_PERSIST"
	ErrStoreClosed   ErrorCode = "STORE_CLOSED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
