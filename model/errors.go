package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrUnavailable     = "UNAVAILABLE"
	ErrCanceled        = "CANCELED"
)

// Workflow-specific error codes.
const (
	ErrTransitionDenied   = "TRANSITION_DENIED"
	ErrHistoryWriteFailed = "HISTORY_WRITE_FAILED"
)

// Meta keys attached to TRANSITION_DENIED envelopes.
const (
	MetaCurrentStatus   = "current_status"
	MetaRequestedStatus = "requested_status"
	MetaRole            = "role"
)

// ErrorEnvelope is the standard error returned by the workflow service and
// rendered by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []FieldError      `json:"details,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an envelope with the same code, so that
// errors.Is(err, &ErrorEnvelope{Code: ErrConflict}) matches any conflict.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err does not
// wrap an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient persistence failure that a
// caller may retry with backoff.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrUnavailable
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

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnavailableError returns an UNAVAILABLE error. The cause is kept in the
// message for logs; callers should not parse it.
func NewUnavailableError(cause error) *ErrorEnvelope {
	msg := "The application store is temporarily unavailable"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}

// NewCanceledError returns a CANCELED error for a caller that gave up before
// anything was written. It is not retryable.
func NewCanceledError(cause error) *ErrorEnvelope {
	msg := "The request was cancelled before it was applied"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ErrorEnvelope{Code: ErrCanceled, Message: msg}
}

// NewTransitionDeniedError returns a TRANSITION_DENIED error carrying the
// current and requested status so clients can explain the refusal.
func NewTransitionDeniedError(current, requested Status, role Role) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionDenied,
		Message: fmt.Sprintf("transition from %s to %s is not permitted for role %s", current, requested, role),
		Meta: map[string]string{
			MetaCurrentStatus:   string(current),
			MetaRequestedStatus: string(requested),
			MetaRole:            string(role),
		},
	}
}

// NewHistoryWriteFailedError returns the non-fatal HISTORY_WRITE_FAILED
// warning attached to an otherwise successful result.
func NewHistoryWriteFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrHistoryWriteFailed,
		Message: fmt.Sprintf("status change committed but history entry was not recorded: %v", cause),
	}
}
