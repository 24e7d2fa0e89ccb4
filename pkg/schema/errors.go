package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeReference         = "REFERENCE_ERROR"
	ErrCodeConcurrency       = "CONCURRENCY_CONFLICT"
	ErrCodeDuplicateTrigger  = "DUPLICATE_TRIGGER"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeAgentTimeout      = "AGENT_TIMEOUT"
	ErrCodeStorageOverflow   = "STORAGE_OVERFLOW"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
)

// Reference sub-codes reported by the variable reference validator.
const (
	CodeUnknownStepReference     = "UNKNOWN_STEP_REFERENCE"
	CodeForwardOrCyclicReference = "FORWARD_OR_CYCLIC_REFERENCE"
	CodeInvalidOutputPath        = "INVALID_OUTPUT_PATH"
	CodeNullableOutputPath       = "NULLABLE_OUTPUT_PATH"
	CodeInvalidGraph             = "INVALID_GRAPH"
)

// AutomataError is the structured error type for all engine operations.
type AutomataError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Cause    error          `json:"-"`
}

func (e *AutomataError) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepSlug, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutomataError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an action retry policy may re-attempt after this error.
func (e *AutomataError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeReference, ErrCodeActionUnavailable,
		ErrCodeInterpolation, ErrCodeNotFound, ErrCodeCancelled, ErrCodeInvalidTransition,
		ErrCodeNonRetryable:
		return false
	}
	return true
}

// NewError creates a new AutomataError.
func NewError(code, message string) *AutomataError {
	return &AutomataError{Code: code, Message: message}
}

// NewErrorf creates a new AutomataError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutomataError {
	return &AutomataError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step slug to the error.
func (e *AutomataError) WithStep(slug string) *AutomataError {
	e.StepSlug = slug
	return e
}

// WithCause attaches an underlying cause.
func (e *AutomataError) WithCause(err error) *AutomataError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutomataError) WithDetails(details map[string]any) *AutomataError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is an AutomataError with the given code.
func HasCode(err error, code string) bool {
	var ae *AutomataError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// AgentTimeoutError is raised when an LLM call exceeds its deadline.
func AgentTimeoutError(stepSlug string, timeout fmt.Stringer) *AutomataError {
	return NewErrorf(ErrCodeAgentTimeout, "llm call exceeded %s", timeout).
		WithStep(stepSlug).
		WithDetails(map[string]any{"reason": "timeout"})
}

// ActionExecutionError wraps a failure returned by an action handler.
func ActionExecutionError(stepSlug, action string, cause error) *AutomataError {
	return NewErrorf(ErrCodeActionExecution, "action %q failed: %s", action, cause.Error()).
		WithStep(stepSlug).
		WithCause(cause).
		WithDetails(map[string]any{"action": action})
}
