// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by the engine
// and inspected with Is/As at the integration boundary.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors shared across all engine modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates a tokenization configuration problem detected
	// at registration time (missing gateway URL, field without a pii type,
	// JSON column without a token column). Always fatal.
	ErrInvalidConfig = errors.New("invalid tokenization config")

	// ErrTransport indicates a connection or timeout failure talking to the
	// tokenization gateway. There is no local recovery and no retry.
	ErrTransport = errors.New("gateway transport failure")
)

// GatewayError represents a non-success HTTP response from the tokenization
// gateway. Message carries the parsed error body when the body was JSON, the
// raw body otherwise.
type GatewayError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message while preserving the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
