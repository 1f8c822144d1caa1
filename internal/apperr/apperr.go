// Package apperr defines the error kinds returned by the exam session engine.
// The kind, not an HTTP code, is the contract with callers; the HTTP mapping
// lives here only so every transport translates kinds the same way.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
	KindInvalidArgument Kind = "invalid_argument"
	KindTransient       Kind = "transient"
	KindInternal        Kind = "internal"
)

var kind2http = map[Kind]int{
	KindNotFound:        http.StatusNotFound,
	KindForbidden:       http.StatusForbidden,
	KindConflict:        http.StatusConflict,
	KindInvalidState:    http.StatusConflict,
	KindInvalidArgument: http.StatusBadRequest,
	KindTransient:       http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	err     error
}

func New(kind Kind, opts ...Option) *Error {
	e := &Error{
		Kind:    kind,
		Message: string(kind),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(": %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the caller may repeat the same operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := kind2http[e.Kind]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as an *Error, wrapping unknown errors as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return New(KindInternal, WithCause(err))
	}

	return e
}

// KindOf returns the kind carried by err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Convert(err).Kind
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, WithMessagef(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, WithMessagef(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, WithMessagef(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, WithMessagef(format, args...))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, WithMessagef(format, args...))
}

// Transient wraps a storage or timeout failure that is safe to retry.
func Transient(err error, format string, args ...any) *Error {
	return New(KindTransient, WithCause(err), WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
