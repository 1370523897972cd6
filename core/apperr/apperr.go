// Package apperr is the error taxonomy shared by the record, prover and
// proof services. Callers branch on Kind; messages are for logs and CLI output.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of an error.
type Kind string

const (
	KindBadInput           Kind = "bad_input"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindCryptographic      Kind = "cryptographic_error"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrBadInput           = &Error{Kind: KindBadInput}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrCryptographic      = &Error{Kind: KindCryptographic}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is the domain error type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return err != nil && errors.Is(err, &Error{Kind: kind})
}
