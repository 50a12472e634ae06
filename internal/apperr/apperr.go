// Package apperr defines the error taxonomy shared across the service:
// callers branch on the Code, transports map it to a status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and transports.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeInvalidState Code = "invalid_state"
	CodeCircuitOpen  Code = "circuit_open"
	CodeInternal     Code = "internal"
)

var code2http = map[Code]int{
	CodeNotFound:     http.StatusNotFound,
	CodeUnauthorized: http.StatusForbidden,
	CodeInvalidState: http.StatusConflict,
	CodeCircuitOpen:  http.StatusServiceUnavailable,
	CodeInternal:     http.StatusInternalServerError,
}

// Error carries a code, a caller-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the HTTP status this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := code2http[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NotFound reports an absent session or participant. Not retryable.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// Unauthorized reports a failed permission check. Not retryable, never broadcast.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

// InvalidState reports an illegal transition, full session or duplicate join.
func InvalidState(msg string) *Error {
	return &Error{Code: CodeInvalidState, Message: msg}
}

// CircuitOpen reports a currently isolated dependency; callers may retry later.
func CircuitOpen(operationKey string) *Error {
	return &Error{Code: CodeCircuitOpen, Message: "circuit open for operation: " + operationKey}
}

// Internal wraps an unexpected failure with a generic message.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", err: err}
}

// Wrap attaches a cause to a typed error.
func Wrap(e *Error, err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, err: err}
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Convert returns err as *Error, wrapping untyped errors as Internal.
func Convert(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
