// Package apperr defines the business-rule error taxonomy shared by all core
// services. Every failure a caller is expected to handle carries a Kind; the
// HTTP layer maps kinds to status codes and never needs to parse messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a business-rule failure.
type Kind string

const (
	// KindValidation marks malformed or missing input.
	KindValidation Kind = "validation"
	// KindInvalidState marks a state-machine precondition violation, e.g.
	// approving an agent that is not pending.
	KindInvalidState Kind = "invalid_state"
	// KindAlreadyResolved marks a second resolution attempt on a token
	// request that has already been approved or rejected.
	KindAlreadyResolved Kind = "already_resolved"
	// KindNotEligible marks an agent that is not approved or not active.
	KindNotEligible Kind = "not_eligible"
	// KindInsufficientBalance marks a debit larger than the agent's balance.
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindConflict marks a uniqueness violation such as a duplicate username
	// or a double registration.
	KindConflict Kind = "conflict"
	// KindInvalidAmount marks a non-positive token amount.
	KindInvalidAmount Kind = "invalid_amount"
	// KindInvalidDuration marks an out-of-range premium duration.
	KindInvalidDuration Kind = "invalid_duration"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"
	// KindTransient marks a storage or transport failure that is safe to
	// retry; the underlying operation rolled back with no partial effect.
	KindTransient Kind = "transient"
)

// Error is a kind-tagged error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Convenience constructors, one per kind.

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, format, args...)
}

func AlreadyResolved(format string, args ...interface{}) *Error {
	return New(KindAlreadyResolved, format, args...)
}

func NotEligible(format string, args ...interface{}) *Error {
	return New(KindNotEligible, format, args...)
}

func InsufficientBalance(format string, args ...interface{}) *Error {
	return New(KindInsufficientBalance, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func InvalidAmount(format string, args ...interface{}) *Error {
	return New(KindInvalidAmount, format, args...)
}

func InvalidDuration(format string, args ...interface{}) *Error {
	return New(KindInvalidDuration, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Transient(err error, format string, args ...interface{}) *Error {
	return Wrap(KindTransient, err, format, args...)
}

// KindOf returns the kind carried by err, or the empty kind when err is not
// an apperr error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
