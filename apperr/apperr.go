package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// The four recoverable error kinds the service reports to callers. Anything
// outside them is treated as an internal storage failure and mapped to 500.

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

type ForbiddenError struct {
	Msg string
}

func (e *ForbiddenError) Error() string { return e.Msg }

type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Validation(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

func Forbidden(format string, args ...interface{}) error {
	return &ForbiddenError{Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// Status maps an error to the HTTP status handlers respond with.
func Status(err error) int {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		forbidden  *ForbiddenError
		conflict   *ConflictError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-facing message. Internal failures are not
// surfaced verbatim.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
