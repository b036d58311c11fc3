// Package errors provides coded application errors shared by the service,
// repository and transport layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error so transports can map it to a status.
type Code string

const (
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeForbidden     Code = "FORBIDDEN"
	ErrCodeInternal      Code = "INTERNAL"
	ErrCodeDataIntegrity Code = "DATA_INTEGRITY"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Message, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// ErrorCode lets typed domain errors participate in CodeOf.
func (e *AppError) ErrorCode() Code { return e.Code }

// coder is implemented by any error that carries a Code.
type coder interface {
	ErrorCode() Code
}

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a user-correctable problem with a single field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Conflict reports a concurrent modification or uniqueness violation.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Unauthorized reports an actor that may not perform the action.
func Unauthorized(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message}
}

// Forbidden reports an actor lacking a required permission.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when none is present.
func CodeOf(err error) Code {
	var c coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As and Join re-export the standard helpers so callers need a single import.
func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
