// Package errs defines the typed error kinds shared by every maestro
// surface. Operations return *Error values so callers can branch on Kind
// without string matching; the operator surface translates kinds into
// isError tool results.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the operator surface.
type Kind string

const (
	NotFound        Kind = "not_found"
	InvalidArgument Kind = "invalid_argument"
	Busy            Kind = "busy"
	Unauthorized    Kind = "unauthorized"
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	Timeout         Kind = "timeout"
	Canceled        Kind = "canceled"
	Transport       Kind = "transport"
	RemoteError     Kind = "remote_error"
	ParseError      Kind = "parse_error"
	NotReady        Kind = "not_ready"
	Internal        Kind = "internal"
)

// Error carries a kind, a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal when err carries no kind.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the human message of err without the kind prefix when err
// is typed, otherwise err.Error().
func Message(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Err != nil {
			return fmt.Sprintf("%s: %v", typed.Msg, typed.Err)
		}
		return typed.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
