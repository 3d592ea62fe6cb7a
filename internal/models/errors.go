package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures. The first four are user-visible; the rest
// are operator-visible.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindDuplicate  ErrorKind = "duplicate"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindStorage    ErrorKind = "storage"
	KindQueue      ErrorKind = "queue"
	KindCache      ErrorKind = "cache"
	KindInvariant  ErrorKind = "invariant"
)

// Error carries an ErrorKind so callers can map failures to responses
// without string matching.
type Error struct {
	Kind ErrorKind
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

// NewError builds a taxonomy error without a cause.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a taxonomy error wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindStorage if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
