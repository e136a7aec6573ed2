// Package herr defines the error kinds used throughout this module (spec
// section "ERROR HANDLING DESIGN"). The teacher (golang.org/x/debug) mostly
// returns plain fmt.Errorf-wrapped errors with no taxonomy; this module
// needs one because callers branch on error kind (e.g. a BorrowError is
// recoverable, a RuntimeError usually is not), so herr.Error adds a Kind
// on top of the same fmt.Errorf("...: %w", cause) wrapping idiom.
package herr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error per spec section 7.
type Kind int

const (
	// Other is a catch-all for errors that don't fit a more specific kind.
	Other Kind = iota
	// HostException means the host runtime raised an exception during a
	// call; the cause is always an *hostabi.ExceptionError once unwrapped.
	HostException
	// TypeError means a layout check, conversion, or subtype check failed.
	TypeError
	// AccessError means a module/global/field/index lookup failed.
	AccessError
	// BorrowError means the borrow ledger refused a borrow.
	BorrowError
	// InstantiationError means constructing a host value failed (shape,
	// rank, or arity mismatch).
	InstantiationError
	// IOError means a file path supplied to an include doesn't exist.
	IOError
	// RuntimeError means a runtime init invariant was violated (already
	// initialized, not yet initialized, wrong thread, ...).
	RuntimeError
)

func (k Kind) String() string {
	switch k {
	case HostException:
		return "HostException"
	case TypeError:
		return "TypeError"
	case AccessError:
		return "AccessError"
	case BorrowError:
		return "BorrowError"
	case InstantiationError:
		return "InstantiationError"
	case IOError:
		return "IOError"
	case RuntimeError:
		return "RuntimeError"
	default:
		return "Other"
	}
}

// Error is the boxed error type library code returns, per spec section 7:
// "a Result with a boxed error type that carries any of the above kinds
// plus a chain-compatible Other."
type Error struct {
	Kind    Kind
	Msg     string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Wrapped: cause}
}

// Is reports whether err is an *Error of the given kind, anywhere in its
// Unwrap chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		if e.Wrapped == nil {
			return false
		}
		err = e.Wrapped
	}
	return false
}
