// Package storeerr defines the error taxonomy shared by the graph, vector
// and key-value store adapters. Callers receive either a result value or an
// *Error whose Kind tells them how the failure should be handled.
package storeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure.
type Kind string

const (
	// KindConnection covers backend connect/handshake failures. Fatal at
	// store construction; never silently degraded.
	KindConnection Kind = "connection"

	// KindNotFound marks a missing entity. Read paths translate it to a
	// nil/empty result instead of returning it to the caller.
	KindNotFound Kind = "not_found"

	// KindDimensionMismatch marks a vector dimension conflict with an
	// existing collection.
	KindDimensionMismatch Kind = "dimension_mismatch"

	// KindSerialization marks an attribute or value encode/decode failure.
	KindSerialization Kind = "serialization"

	// KindAnalytics marks a failure of a backend analytics capability
	// (e.g. the primary node-scoring path). Recoverable by fallback.
	KindAnalytics Kind = "analytics"

	// KindValidation marks input rejected before any network call.
	KindValidation Kind = "validation"

	// KindStorage is the catch-all for backend read/write failures.
	KindStorage Kind = "storage"
)

// Error is a typed storage error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "graphstore.UpsertNode"
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Msg, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, &Error{Kind: k}) works
// against sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New returns an *Error with a message and no cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and operation to a cause. Returns nil for a nil cause.
func Wrap(err error, kind Kind, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with an additional message.
func Wrapf(err error, kind Kind, op, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindStorage when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsNotFound reports whether err is a KindNotFound storage error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsValidation reports whether err is a KindValidation storage error.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}

// IsConnection reports whether err is a KindConnection storage error.
func IsConnection(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConnection
}
