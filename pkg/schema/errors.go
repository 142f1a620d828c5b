package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// BatonError is the structured error type for all baton operations.
type BatonError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BatonError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BatonError) Unwrap() error {
	return e.Cause
}

// NewError creates a new BatonError.
func NewError(code, message string) *BatonError {
	return &BatonError{Code: code, Message: message}
}

// NewErrorf creates a new BatonError with a formatted message.
func NewErrorf(code, format string, args ...any) *BatonError {
	return &BatonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *BatonError) WithStep(stepID string) *BatonError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *BatonError) WithCause(err error) *BatonError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BatonError) WithDetails(details map[string]any) *BatonError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code marks a transient condition.
// Timeouts and infrastructure errors are transient; validation, transition
// and cancellation errors are not.
func (e *BatonError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeDispatch, ErrCodeStore:
		return true
	}
	return false
}

// CodeOf extracts the error code from err if it is a BatonError,
// or returns ErrCodeExecution for any other non-nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if be, ok := err.(*BatonError); ok {
		return be.Code
	}
	return ErrCodeExecution
}
