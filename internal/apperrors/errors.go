// Package apperrors provides structured application errors shared by the
// pipeline core and the HTTP boundary.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrInternal   = errors.New("internal error")

	// ErrFatal marks a step failure that must abort the whole job.
	ErrFatal = errors.New("fatal step error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "command")
	Resource string // For not found/forbidden (e.g., "job")
	Op       string // Operation that failed (e.g., "step.normal")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Forbidden rejects a caller that does not own the resource.
func Forbidden(resource, id string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  fmt.Sprintf("not allowed to modify %s %s", resource, id),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Fatal creates a fatal step error from a plain message.
func Fatal(op, message string) error {
	return &Error{
		Sentinel: ErrFatal,
		Message:  message,
		Op:       op,
	}
}

// AsFatal normalizes any error into a fatal step error. Errors that are
// already fatal are returned unchanged.
func AsFatal(op string, err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return &Error{
		Sentinel: ErrFatal,
		Message:  err.Error(),
		Op:       op,
		Cause:    err,
	}
}

// IsFatal reports whether err must abort the job it was raised in.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
