package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidWorkflow     = "INVALID_WORKFLOW"
	ErrCodeUnknownWorkflow     = "UNKNOWN_WORKFLOW"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeDispatchRetriable   = "DISPATCH_RETRIABLE"
	ErrCodeDispatchFatal       = "DISPATCH_FATAL"
	ErrCodePersistence         = "PERSISTENCE_ERROR"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeLeaseHeld         = "LEASE_HELD"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// Sub-reasons carried by INVALID_WORKFLOW errors.
const (
	ReasonDuplicateNode       = "duplicate_node"
	ReasonDanglingConnection  = "dangling_connection"
	ReasonMissingTrigger      = "missing_trigger"
	ReasonMultipleTriggers    = "multiple_triggers"
	ReasonUnconditionedCycle  = "unconditioned_cycle"
	ReasonUnknownKind         = "unknown_kind"
	ReasonMalformedParams     = "malformed_params"
	ReasonMalformedDefinition = "malformed_definition"
)

// DripError is the structured error type for all engine operations.
type DripError struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Node    string         `json:"node,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DripError) Error() string {
	code := e.Code
	if e.Reason != "" {
		code = e.Code + "/" + e.Reason
	}
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", code, e.Message)
}

func (e *DripError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient.
func (e *DripError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDispatchRetriable, ErrCodeCircuitOpen, ErrCodePersistence:
		return true
	default:
		return false
	}
}

// NewError creates a new DripError.
func NewError(code, message string) *DripError {
	return &DripError{Code: code, Message: message}
}

// NewErrorf creates a new DripError with a formatted message.
func NewErrorf(code, format string, args ...any) *DripError {
	return &DripError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the node name the error occurred at.
func (e *DripError) WithNode(name string) *DripError {
	e.Node = name
	return e
}

// WithReason attaches a sub-reason.
func (e *DripError) WithReason(reason string) *DripError {
	e.Reason = reason
	return e
}

// WithCause attaches an underlying cause.
func (e *DripError) WithCause(err error) *DripError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DripError) WithDetails(details map[string]any) *DripError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a DripError with the given code.
func HasCode(err error, code string) bool {
	var de *DripError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// AsError extracts the DripError from err, or nil when there is none.
func AsError(err error) *DripError {
	var de *DripError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// RetriableError builds a transient message-dispatch failure.
func RetriableError(format string, args ...any) *DripError {
	return NewErrorf(ErrCodeDispatchRetriable, format, args...)
}

// FatalError builds a permanent message-dispatch failure (invalid recipient, revoked credentials).
func FatalError(format string, args ...any) *DripError {
	return NewErrorf(ErrCodeDispatchFatal, format, args...)
}

// PersistenceError wraps a run store failure.
func PersistenceError(op string, err error) *DripError {
	return NewErrorf(ErrCodePersistence, "%s: %s", op, err.Error()).WithCause(err)
}
