// Package errors provides typed error values with machine-readable codes.
// Core operations return these so callers (and the HTTP edge) can branch on
// the code instead of string-matching messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies the error category.
type Code string

const (
	ErrCodeValidation   Code = "VALIDATION_ERROR"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeInvalidState Code = "INVALID_STATE"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeCollaborator Code = "COLLABORATOR_ERROR"
	ErrCodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the concrete error type carried across the core.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors by code so errors.Is can be used with sentinel-style
// comparisons, e.g. errors.Is(err, &Error{Code: ErrCodeConflict}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, cause: err}
}

// Validation reports a rejected input before any persistence happened.
func Validation(field, message string) error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// Conflict reports a stale-token or duplicate operation; the caller should
// refetch current state and retry.
func Conflict(message string) error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// InvalidState reports a transition not permitted from the current status.
// Unlike Conflict this is not retriable.
func InvalidState(message string) error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// NotFound reports a missing record.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// CodeOf extracts the code from an error, defaulting to ErrCodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
