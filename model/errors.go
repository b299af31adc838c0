package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	ErrInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrHandlerExecution       = "HANDLER_EXECUTION"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the admin API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err (or anything it wraps) is an ErrorEnvelope
// carrying the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error for the given
// workflow instance.
func NewWorkflowNotFoundError(workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
	}
}

// NewInvalidStateTransitionError returns an INVALID_STATE_TRANSITION error
// describing the rejected move.
func NewInvalidStateTransitionError(workflowID string, from, to WorkflowStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStateTransition,
		Message: fmt.Sprintf("workflow %q cannot move from %s to %s", workflowID, from, to),
	}
}

// HandlerExecutionError wraps a failure raised inside a bus subscriber. The
// bus produces one per failed handler invocation; it never reaches the
// publisher.
type HandlerExecutionError struct {
	EventID        string
	EventType      string
	SubscriptionID string
	Pattern        string
	Cause          error
}

// Error implements the error interface.
func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("%s: handler %s (%s) failed on %s event %s: %v",
		ErrHandlerExecution, e.SubscriptionID, e.Pattern, e.EventType, e.EventID, e.Cause)
}

// Unwrap returns the underlying handler failure.
func (e *HandlerExecutionError) Unwrap() error {
	return e.Cause
}
