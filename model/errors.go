package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Orchestration-specific error codes.
const (
	ErrCyclicGraph         = "CYCLIC_GRAPH"
	ErrDefinitionInactive  = "DEFINITION_INACTIVE"
	ErrExecutionNotActive  = "EXECUTION_NOT_ACTIVE"
	ErrStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrAssessorUnavailable = "ASSESSOR_UNAVAILABLE"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the HTTP API. It implements the error interface.
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

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
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

// NewCyclicGraphError returns a CYCLIC_GRAPH error naming the tasks that
// participate in at least one cycle.
func NewCyclicGraphError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCyclicGraph,
		Message: "Task graph contains a dependency cycle",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewDefinitionInactiveError returns a DEFINITION_INACTIVE error.
func NewDefinitionInactiveError(definitionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionInactive,
		Message: fmt.Sprintf("workflow definition %q is not active", definitionID),
	}
}

// NewExecutionNotActiveError returns an EXECUTION_NOT_ACTIVE error.
func NewExecutionNotActiveError(executionID string, state ExecutionState) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrExecutionNotActive,
		Message: fmt.Sprintf("execution %q is %s", executionID, state),
	}
}

// NewStoreUnavailableError wraps a durable-store failure that is safe to retry.
func NewStoreUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStoreUnavailable,
		Message: "The durable store is temporarily unavailable",
		cause:   cause,
	}
}

// NewAssessorUnavailableError wraps an Impact Assessor failure.
func NewAssessorUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAssessorUnavailable,
		Message: "The impact assessor is temporarily unavailable",
		cause:   cause,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying with backoff. Optimistic
// lock conflicts are transient: the caller reloads and reapplies.
func IsTransient(err error) bool {
	switch ErrorCode(err) {
	case ErrStoreUnavailable, ErrAssessorUnavailable, ErrConflict:
		return true
	}
	return false
}
