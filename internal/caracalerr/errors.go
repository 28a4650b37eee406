// Package caracalerr defines the distinct error kinds used across the
// Caracal control plane so callers can branch on failure category without
// parsing error strings.
package caracalerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the design.
// Kinds are never merged: a validation failure is never reported as NotFound,
// and a transient I/O error is never reported as persistent until retries are
// exhausted.
type Kind string

const (
	Configuration   Kind = "configuration"
	Validation      Kind = "validation"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	AuthFailure     Kind = "auth_failure"
	AuthorityDenied Kind = "authority_denied"
	BudgetExceeded  Kind = "budget_exceeded"
	TransientIO     Kind = "transient_io"
	PersistentIO    Kind = "persistent_io"
	UpstreamFailure Kind = "upstream_failure"
	Unknown         Kind = "unknown"
)

// Error wraps an underlying cause with a stable Kind and human-readable
// message. Use errors.As to recover the Kind at a service boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, preserving cause for errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Unknown when err does not
// carry one. Used at gateway and SDK boundaries to map to status codes.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return Unknown
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
