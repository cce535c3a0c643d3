package schema

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeLimiterTimeout    = "LIMITER_TIMEOUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// FlowError is the structured error type for all agentflow operations.
type FlowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	StepIndex  int            `json:"step_index,omitempty"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Cause      error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepIndex > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FlowError with the same code, so callers can
// match with errors.Is(err, schema.NewError(code, "")).
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a 1-based step index to the error.
func (e *FlowError) WithStep(index int) *FlowError {
	e.StepIndex = index
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithRetryAfter attaches a provider-supplied retry hint.
func (e *FlowError) WithRetryAfter(d time.Duration) *FlowError {
	e.RetryAfter = d
	return e
}

// ErrorCode extracts the code of the first FlowError in err's chain.
// Returns "" when err carries no FlowError.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries a FlowError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
