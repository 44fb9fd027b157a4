package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Routing and cache errors. Their messages are part of the wire protocol.
var (
	ErrInvalidModule      = errors.New("INVALID_MODULE")
	ErrInvalidMethod      = errors.New("INVALID_METHOD")
	ErrItemNotFound       = errors.New("item does not exist")
	ErrRecursiveBroadcast = errors.New("recursive broadcast_request calls are not allowed")
	ErrStreamUnsupported  = errors.New("streaming responses are not supported on this channel")
)

// ValidationError is returned for a malformed request shape
type ValidationError struct {
	Message string
}

// NewValidationError creates a new ValidationError
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Message
}

// DuplicateMethodError is returned when a (module, method) pair is registered twice
type DuplicateMethodError struct {
	Module string
	Method string
}

// Error implements the error interface
func (e *DuplicateMethodError) Error() string {
	return fmt.Sprintf("Method %s already exists for module %s", e.Method, e.Module)
}

// HandlerError wraps a failure raised by method code
type HandlerError struct {
	Method string
	Err    error
}

// Error implements the error interface
func (e *HandlerError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the handler's error
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RelayTimeoutError is stored in a broadcast slot whose relay did not answer in time
type RelayTimeoutError struct {
	Relay   string
	Timeout time.Duration
}

// Error implements the error interface
func (e *RelayTimeoutError) Error() string {
	return fmt.Sprintf("relay timed out after %d milliseconds", e.Timeout.Milliseconds())
}
