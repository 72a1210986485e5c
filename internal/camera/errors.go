package camera

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error types of the capture pipeline.
type ErrorCode string

// ErrorCode constants for pipeline errors.
const (
	ErrConfig       ErrorCode = "CONFIG"
	ErrTopology     ErrorCode = "TOPOLOGY"
	ErrInvalidState ErrorCode = "INVALID_STATE"
	ErrDriver       ErrorCode = "DRIVER"
	ErrBusy         ErrorCode = "BUSY"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrCanceled     ErrorCode = "CANCELED"
	ErrExhausted    ErrorCode = "EXHAUSTED"
)

// Error represents an error raised by the capture pipeline.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"cause,omitempty"`
}

// NewError creates a new pipeline error.
func NewError(code ErrorCode, message string, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// NewErrorWithCause creates a new pipeline error wrapping cause.
func NewErrorWithCause(code ErrorCode, message string, cause error, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
		Cause:   cause,
	}
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

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

// IsCode reports whether any error in err's chain is a pipeline error with code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.HasCode(code)
	}
	return false
}

// Fatal reports whether err must abort session setup.
func Fatal(err error) bool {
	return IsCode(err, ErrConfig) || IsCode(err, ErrTopology)
}

// DriverError wraps a node I/O failure.
func DriverError(op string, node int, cause error) *Error {
	return NewErrorWithCause(ErrDriver, op+" failed", cause, map[string]any{
		"node": node,
	})
}
