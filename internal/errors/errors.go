// Package errors provides error classification for the BitMEX collector.
// Errors are tagged with a type that determines how callers react: transient
// discovery errors are retried with increasing waits, while decode and remote
// failures abort the current fetch and propagate.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ErrorType classifies an error for handling decisions.
type ErrorType string

const (
	// ErrorTypeNetwork covers connectivity failures; retryable at the
	// orchestrator level, never inside a paginated fetch.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeTimeout covers request deadline expiry.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeTransient covers temporary discovery conditions such as a
	// page rendering with no links yet. Handled locally with bounded retry.
	ErrorTypeTransient ErrorType = "transient"

	// ErrorTypeRemote covers non-2xx HTTP responses. Fatal for the current
	// fetch; retry policy, if any, belongs to a higher-level orchestrator.
	ErrorTypeRemote ErrorType = "remote"

	// ErrorTypeDecode covers malformed responses and missing required
	// fields. Fatal; there is no partial-result salvage.
	ErrorTypeDecode ErrorType = "decode"

	// ErrorTypeDiscovery covers exhausted discovery budgets (archive link
	// never found, listing never rendered). Fatal for the run.
	ErrorTypeDiscovery ErrorType = "discovery"
)

// ClassifiedError carries an error with its type and originating operation.
type ClassifiedError struct {
	Type      ErrorType
	Component string
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", e.Component, e.Type, e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches other ClassifiedErrors by type.
func (e *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return e.Type == t.Type
	}
	return errors.Is(e.Err, target)
}

// New creates a ClassifiedError for the given component and operation.
func New(t ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{Type: t, Component: component, Operation: operation, Err: err}
}

// TypeOf returns the explicit type of a classified error, or infers one from
// the error's behavior (net.Error timeouts and network failures).
func TypeOf(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	return ErrorTypeRemote
}

// IsTransient reports whether the error may clear on its own and is worth a
// bounded local retry.
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTransient, ErrorTypeTimeout, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must abort the current fetch or run.
func IsFatal(err error) bool {
	return !IsTransient(err)
}
