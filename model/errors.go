package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrFormAlreadyOpen = "FORM_ALREADY_OPEN"
	ErrNoActiveForm    = "NO_ACTIVE_FORM"
	ErrStageMismatch   = "STAGE_MISMATCH"
	ErrUnknownStage    = "UNKNOWN_STAGE"
)

// Field-level validation codes.
const (
	FieldRequired = "REQUIRED"
	FieldInvalid  = "INVALID"
)

// ErrorEnvelope is the standard error value returned by the workflow core and
// serialized as-is by the HTTP host. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewFormAlreadyOpenError is returned when a stage form is opened while
// another one is still active.
func NewFormAlreadyOpenError(active Stage, recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFormAlreadyOpen,
		Message: fmt.Sprintf("form %q is already open for record %q", active, recordID),
	}
}

// NewNoActiveFormError is returned when a submit arrives with no open form.
func NewNoActiveFormError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoActiveForm, Message: "no stage form is open"}
}

// NewStageMismatchError is returned when a payload targets a stage other than
// the active one.
func NewStageMismatchError(active, got Stage) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageMismatch,
		Message: fmt.Sprintf("payload for stage %q submitted while %q is open", got, active),
	}
}

// NewUnknownStageError returns an UNKNOWN_STAGE error.
func NewUnknownStageError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownStage,
		Message: fmt.Sprintf("unknown stage %q", name),
	}
}

// ErrorCode returns the envelope code carried by err, or "" when err does not
// wrap an *ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err wraps an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
