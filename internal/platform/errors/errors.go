// Package errors provides coded application errors shared by the repository,
// service and handler layers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and transports.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeForbidden    Code = "FORBIDDEN"
	ErrCodeUnavailable  Code = "UNAVAILABLE"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is a coded error carrying optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail returns the error with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. An error that
// already carries a code keeps it.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return err
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// Unavailable reports a transient dependency failure that is safe to retry.
func Unavailable(err error, message string) *Error {
	return &Error{Code: ErrCodeUnavailable, Message: message, Err: err}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var coded *Error
	return stderrors.As(err, &coded) && coded.Code == code
}

// DetailsOf returns the details of the first coded error in err's chain.
func DetailsOf(err error) map[string]any {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Details
	}
	return nil
}

var httpStatus = map[Code]int{
	ErrCodeNotFound:     http.StatusNotFound,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeConflict:     http.StatusConflict,
	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeUnavailable:  http.StatusServiceUnavailable,
	ErrCodeInternal:     http.StatusInternalServerError,
}

// RegisterHTTPStatus maps an additional code to an HTTP status. It is meant
// to be called from package init functions.
func RegisterHTTPStatus(code Code, status int) {
	httpStatus[code] = status
}

// HTTPStatus maps a code to an HTTP status code.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is and As re-export the standard library helpers so callers need a single
// errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
