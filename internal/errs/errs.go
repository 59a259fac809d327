// Package errs defines the error kinds shared across billops.
//
// Errors are built with github.com/cockroachdb/errors. A kind is attached with
// errors.Mark so callers can classify any wrapped error with errors.Is without
// caring about the concrete type:
//
//	if errors.Is(err, errs.ErrValidation) {
//	    // 400, no retry
//	}
package errs

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// ErrValidation marks bad or missing input (unknown job type, empty phone).
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExternal marks failures of external collaborators (accounting source,
	// messaging providers, network control, Telegram).
	ErrExternal = errors.New("external service error")
	// ErrConflict marks an operation rejected because of current state, e.g. a
	// job type that is already running.
	ErrConflict = errors.New("conflict")
)

// Validation returns a new validation error.
func Validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// NotFound returns a new not-found error.
func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Conflict returns a new conflict error.
func Conflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// External wraps err as a failure of the named external service.
func External(err error, service string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "%s", service), ErrExternal)
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExternal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
