package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnknownCorrelation = "UNKNOWN_CORRELATION"
	ErrCodeNonDeterministic   = "NON_DETERMINISTIC"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeActivityFailed     = "ACTIVITY_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeStore              = "STORE_ERROR"
)

// EngineError is the structured error type returned by every engine operation.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *EngineError with the same code.
// It lets callers write errors.Is(err, schema.ErrConflict).
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// Sentinels usable with errors.Is. They match any EngineError with the same code.
var (
	ErrConflict           = &EngineError{Code: ErrCodeConflict}
	ErrNotFound           = &EngineError{Code: ErrCodeNotFound}
	ErrUnknownCorrelation = &EngineError{Code: ErrCodeUnknownCorrelation}
	ErrNonDeterministic   = &EngineError{Code: ErrCodeNonDeterministic}
	ErrValidation         = &EngineError{Code: ErrCodeValidation}
)

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRunID attaches a run ID to the error.
func (e *EngineError) WithRunID(runID string) *EngineError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first EngineError in err's chain, or "".
func ErrorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
