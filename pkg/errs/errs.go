// Package errs implements the engine's error taxonomy: seven error kinds
// shared by every core component, each carrying an optional
// digest/snapshot/path context and an underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds a core engine may return. These are the
// only kinds any core engine returns across a public API boundary.
type Kind string

const (
	// InvalidArgument means the caller passed an out-of-range value.
	InvalidArgument Kind = "InvalidArgument"
	// NotFound means a digest, snapshot, or file is not present.
	NotFound Kind = "NotFound"
	// IntegrityError means a digest mismatch, Merkle root mismatch, or
	// broken chain was observed.
	IntegrityError Kind = "IntegrityError"
	// InvariantError means a refcount underflow, path escape, or parent
	// chain cycle was observed.
	InvariantError Kind = "InvariantError"
	// IoError means an underlying filesystem failure occurred.
	IoError Kind = "IoError"
	// Conflict means the caller attempted a write while an exclusive
	// lock was held; the caller should retry.
	Conflict Kind = "Conflict"
	// Cancelled means cooperative cancellation was observed.
	Cancelled Kind = "Cancelled"
)

// retryable reports whether a Kind suggests the caller should retry the
// operation, derived mechanically from Kind instead of set ad hoc.
func (k Kind) retryable() bool {
	switch k {
	case Conflict, IoError:
		return true
	default:
		return false
	}
}

// Error is the concrete error type returned across every core component's
// public boundary.
type Error struct {
	Kind    Kind
	Message string
	Subject string // digest hex, snapshot_id, or path, when applicable
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller should retry the failed operation.
func (e *Error) Retryable() bool {
	return e.Kind.retryable()
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSubject attaches a subject (digest hex, snapshot_id, path) to err and
// returns the receiver for chaining.
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// Is reports whether err carries the given Kind, walking the error chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
