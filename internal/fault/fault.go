// Package fault defines the error kinds shared across Fern components and
// the mapping from kinds to HTTP status codes used at the webhook boundary.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorises an error for propagation policy decisions.
type Kind string

const (
	// Validation marks bad input or missing fields.
	Validation Kind = "validation"

	// Signature marks a failed webhook signature check.
	Signature Kind = "signature"

	// Transient marks a retryable failure (LLM, embedding, network blip).
	Transient Kind = "transient"

	// NotFound marks an absent row or entity.
	NotFound Kind = "not_found"

	// Timeout marks an agent turn that exceeded its budget. Errors of
	// this kind carry the elapsed duration.
	Timeout Kind = "timeout"

	// StateConflict marks a lost claim or cancel race.
	StateConflict Kind = "state_conflict"

	// Fatal marks a failure that should shut the process down through
	// the watchdog.
	Fatal Kind = "fatal"
)

// Error is a categorised error. Components attach a Kind only where the
// propagation policy branches on it; plain wrapped errors are used
// everywhere else.
type Error struct {
	Kind    Kind
	Message string

	// Elapsed is set for Timeout errors.
	Elapsed time.Duration

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// TimeoutError creates a Timeout error carrying the elapsed duration.
func TimeoutError(elapsed time.Duration, message string) *Error {
	return &Error{Kind: Timeout, Message: message, Elapsed: elapsed}
}

// KindOf returns the kind of err, or the empty kind when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the HTTP boundary returns.
// Unrecognised errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Signature:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
