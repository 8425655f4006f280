// Package apperr defines the error taxonomy shared by the engine and its transports.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrOutOfWindow      = errors.New("exam is outside its active window")
	ErrAlreadySubmitted = errors.New("session already submitted")
	ErrNotSubmitted     = errors.New("session not submitted yet")
	ErrInvalidInput     = errors.New("invalid input")
	ErrGrading          = errors.New("grading failed")
	ErrDerivedWrite     = errors.New("derived write failed")
)

// ErrExamNotOpen and ErrExamClosed both match ErrOutOfWindow.
var (
	ErrExamNotOpen = &windowError{msg: "exam has not opened yet"}
	ErrExamClosed  = &windowError{msg: "exam has closed"}
)

type windowError struct{ msg string }

func (e *windowError) Error() string { return e.msg }

func (e *windowError) Is(target error) bool { return target == ErrOutOfWindow }

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExamNotOpen):
		return "exam_not_open"
	case errors.Is(err, ErrExamClosed):
		return "exam_closed"
	case errors.Is(err, ErrOutOfWindow):
		return "out_of_window"
	case errors.Is(err, ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, ErrNotSubmitted):
		return "not_submitted"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrGrading):
		return "grading_failure"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the HTTP status of the JSON API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOutOfWindow),
		errors.Is(err, ErrAlreadySubmitted),
		errors.Is(err, ErrNotSubmitted),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
