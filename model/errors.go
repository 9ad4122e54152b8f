package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow error codes.
const (
	ErrIllegalTransition     = "ILLEGAL_TRANSITION"
	ErrValidationFailed      = "VALIDATION_FAILED"
	ErrPersistence           = "PERSISTENCE_ERROR"
	ErrValidationUnavailable = "VALIDATION_UNAVAILABLE"
	ErrUnknownState          = "UNKNOWN_STATE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Messages returns every detail message, or the top-level message when the
// envelope carries no details.
func (e *ErrorEnvelope) Messages() []string {
	if len(e.Details) == 0 {
		return []string{e.Message}
	}
	out := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		out = append(out, d.Message)
	}
	return out
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or "" when err is not an envelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Stores return it when a
// conditional update matched zero rows.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(from, to Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("illegal transition from %s to %s", from, to),
	}
}

// NewValidationFailedError returns a VALIDATION_FAILED error carrying one
// detail per message, in order.
func NewValidationFailedError(messages []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(messages))
	for _, m := range messages {
		details = append(details, FieldError{Code: "required", Message: m})
	}
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: strings.Join(messages, "; "),
		Details: details,
	}
}

// NewPersistenceError wraps a store failure.
func NewPersistenceError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPersistence,
		Message: "The record could not be saved",
		cause:   cause,
	}
}

// NewValidationUnavailableError reports that the record needed for validation
// could not be fetched.
func NewValidationUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationUnavailable,
		Message: "Validation is temporarily unavailable",
		cause:   cause,
	}
}

// NewUnknownStateError returns an UNKNOWN_STATE error for a status or stage
// value missing from the catalog.
func NewUnknownStateError(kind, value string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownState,
		Message: fmt.Sprintf("unknown %s %q", kind, value),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
