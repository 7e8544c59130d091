// Package apperr classifies failures of the reminder subsystem so that the
// batch pass and the HTTP layer can decide what to do with them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindConfiguration Kind = "configuration" // missing key or secret, aborts the pass
	KindNotFound      Kind = "not_found"     // due date or row unresolvable, skip the item
	KindValidation    Kind = "validation"    // malformed request
	KindTransient     Kind = "transient"     // provider or database failure, retry next pass
	KindConflict      Kind = "conflict"      // duplicate alert or schedule
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the next pass may succeed without intervention.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) error { return E(KindConfiguration, op, err) }
func NotFound(op string, err error) error      { return E(KindNotFound, op, err) }
func Validation(op string, err error) error    { return E(KindValidation, op, err) }
func Transient(op string, err error) error     { return E(KindTransient, op, err) }
func Conflict(op string, err error) error      { return E(KindConflict, op, err) }

// KindOf returns the outermost kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
