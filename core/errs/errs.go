// Package errs defines the error taxonomy shared by every core package
// (spec §7): a closed set of kinds, a hint for retryable kinds, and
// wrapping helpers that preserve the chain for errors.Is/As.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories from §7.
type Kind string

const (
	Validation     Kind = "validation"
	Authorization  Kind = "authorization"
	MissingBlock   Kind = "missing_block"
	MissingHistory Kind = "missing_history"
	Conflict       Kind = "conflict"
	Network        Kind = "network"
	Timeout        Kind = "timeout"
	Internal       Kind = "internal"
)

// Retryable reports whether callers may retry an operation that failed
// with this kind (§7: Network, Timeout).
func (k Kind) Retryable() bool {
	return k == Network || k == Timeout
}

// Error is the concrete error type surfaced by every core package.
type Error struct {
	Kind  Kind
	Msg   string
	Hint  string
	Cause error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a bare error of the given kind with formatted text.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches context and a kind to an underlying cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Wrapf attaches formatted context and a kind to an underlying cause.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WithHint attaches a user-visible retry hint (§7, e.g. "conflict:
// counterpart tip advanced; re-run sync").
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
