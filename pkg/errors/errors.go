// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling for the health monitor.
// The Recoverable flag is the single signal the retry helper consults, so
// transient-vs-persistent classification happens where the error is created.
package errors

import (
	"fmt"
)

// ErrorCode classifies monitor errors for logging and recovery decisions.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates an upstream rate limit was hit.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authentication with an upstream failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeStore indicates a datastore read or write failed.
	CodeStore ErrorCode = "STORE_ERROR"

	// CodeCache indicates a cache write or coordination call failed.
	CodeCache ErrorCode = "CACHE_ERROR"

	// CodeProbe indicates an outbound health probe failed.
	CodeProbe ErrorCode = "PROBE_ERROR"

	// CodeUnavailable indicates a dependency is unreachable.
	CodeUnavailable ErrorCode = "UNAVAILABLE"
)

// PulseError is a typed error with a code and a recoverable flag.
// It implements the error interface and supports errors.As / errors.Unwrap.
type PulseError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *PulseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *PulseError) Unwrap() error {
	return e.Err
}

// New creates a new PulseError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *PulseError {
	return &PulseError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *PulseError) WithContext(key string, value any) *PulseError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *PulseError) WithRecoverable(recoverable bool) *PulseError {
	e.Recoverable = recoverable
	return e
}

// AsPulseError converts err to a *PulseError, wrapping unknown errors as
// internal. Returns nil for nil input.
func AsPulseError(err error) *PulseError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*PulseError); ok {
		return pe
	}
	return New(CodeInternal, "wrapped error", err)
}

// IsRecoverable reports whether err carries an explicit recoverable flag.
// Unknown error types default to recoverable so callers retry by default.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*PulseError); ok {
		return pe.Recoverable
	}
	return true
}
