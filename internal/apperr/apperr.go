// Package apperr defines the error kinds surfaced by the optimizer core:
// NotFound, InvalidArgument, Conflict, Integrity, Timeout, Unavailable and
// Internal. Errors carry an eris stack; the kind travels with the chain so
// callers can branch with Is or KindOf after any amount of wrapping.
package apperr

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/variant-optimizer/internal/resilience"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	Internal Kind = iota
	NotFound
	InvalidArgument
	Conflict
	Integrity
	Timeout
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case Conflict:
		return "conflict"
	case Integrity:
		return "integrity"
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is a kinded error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
}

// Wrap attaches kind and context to err. Returns nil when err is nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: eris.Wrapf(err, format, args...)}
}

// FromStore wraps a storage error, keeping any kind already present in the
// chain and otherwise classifying deadline expiry as Timeout and connection
// failures as Unavailable.
func FromStore(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, KindOf(err), msg)
}

// KindOf reports the kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	if resilience.IsTransient(err) {
		return Unavailable
	}
	return Internal
}

// Is reports whether err is non-nil and of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
