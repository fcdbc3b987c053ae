// Package errors provides the structured error type (FoundryError) used for
// classification at the HTTP boundary and retry decisions in the agent.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a FoundryError for propagation policy and HTTP mapping.
type Kind string

const (
	// Caller faults.
	KindBadRequest Kind = "bad_request"
	KindNotOwner   Kind = "not_owner"
	KindNotFound   Kind = "not_found"

	// State machine violations.
	KindInvalidTransition Kind = "invalid_transition"

	// Infrastructure.
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// FoundryError is a structured error with kind, cause, and context.
type FoundryError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Cause   error          `json:"-"`
	Context map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *FoundryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As chains.
func (e *FoundryError) Unwrap() error { return e.Cause }

// WithContext adds context information to the error.
func (e *FoundryError) WithContext(key string, value any) *FoundryError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new FoundryError.
func New(kind Kind, message string) *FoundryError {
	return &FoundryError{Kind: kind, Message: message}
}

// Newf creates a new FoundryError with a formatted message.
func Newf(kind Kind, format string, args ...any) *FoundryError {
	return &FoundryError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new FoundryError that wraps an existing error.
func Wrap(err error, kind Kind, message string) *FoundryError {
	return &FoundryError{Kind: kind, Message: message, Cause: err}
}

// BadRequest creates a caller-fault error.
func BadRequest(message string) *FoundryError { return New(KindBadRequest, message) }

// NotOwner creates a claim-token mismatch error.
func NotOwner(message string) *FoundryError { return New(KindNotOwner, message) }

// NotFound creates a missing-entity error.
func NotFound(message string) *FoundryError { return New(KindNotFound, message) }

// InvalidTransition creates a state-machine violation error.
func InvalidTransition(message string) *FoundryError { return New(KindInvalidTransition, message) }

// Transient wraps an error the caller should retry with jitter.
func Transient(err error, message string) *FoundryError {
	return Wrap(err, KindTransient, message)
}

// GetKind extracts the kind from an error, defaulting to KindFatal for
// unclassified errors (programmer fault until proven otherwise).
func GetKind(err error) Kind {
	var fe *FoundryError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFatal
}

// IsKind reports whether an error carries the given kind.
func IsKind(err error, kind Kind) bool { return GetKind(err) == kind }

// IsRetryable reports whether the error should be retried at its origin.
func IsRetryable(err error) bool { return GetKind(err) == KindTransient }
