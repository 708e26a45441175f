// Package apperr defines the fixed set of error kinds returned by the ride core.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindStateConflict Kind = "state_conflict"
	KindUpstream      Kind = "upstream_unavailable"
	KindInternal      Kind = "internal"
)

// Error is the only error type that crosses the service boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newErr(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newErr(KindConflict, format, args...)
}

func StateConflict(format string, args ...any) *Error {
	return newErr(KindStateConflict, format, args...)
}

func Upstream(err error, format string, args ...any) *Error {
	e := newErr(KindUpstream, format, args...)
	e.Err = err
	return e
}

func Internal(err error, format string, args ...any) *Error {
	e := newErr(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf reports the kind of err, treating foreign errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
