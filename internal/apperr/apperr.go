// Package apperr classifies failures returned by the booking and superuser services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a failure category callers can branch on.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindForbidden         Kind = "forbidden"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnauthenticated   Kind = "unauthenticated"
	KindUnavailable       Kind = "unavailable"
)

// Sentinels for errors.Is.
var (
	Validation        = &Error{Kind: KindValidation}
	NotFound          = &Error{Kind: KindNotFound}
	Conflict          = &Error{Kind: KindConflict}
	Forbidden         = &Error{Kind: KindForbidden}
	InvalidTransition = &Error{Kind: KindInvalidTransition}
	Unauthenticated   = &Error{Kind: KindUnauthenticated}
	Unavailable       = &Error{Kind: KindUnavailable}
)

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an error of kind k.
func E(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to err.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnavailable for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// Message returns the user-facing part of err without the operation prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return string(KindOf(err))
}
