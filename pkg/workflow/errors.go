package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/duratool/pkg/schema"
)

// ErrNoAnswer is delivered by a callback future whose timeout fired before a reply.
var ErrNoAnswer = errors.New("workflow: callback timed out without an answer")

// ActivityError is a terminal activity failure delivered to workflow code as data.
type ActivityError struct {
	ActivityID string `json:"activity_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
}

func (e *ActivityError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("activity %s (%s) failed after %d attempt(s): %s: %s", e.Name, e.ActivityID, e.Attempts, e.Kind, e.Message)
	}
	return fmt.Sprintf("activity %s (%s) failed after %d attempt(s): %s", e.Name, e.ActivityID, e.Attempts, e.Message)
}

// ContinueAsNewError ends the current run and starts a fresh one of the same
// workflow id with Input.
type ContinueAsNewError struct {
	Input json.RawMessage
}

func (e *ContinueAsNewError) Error() string { return "workflow: continue as new" }

// NewContinueAsNewError is returned from a workflow function to restart it with input.
func NewContinueAsNewError(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode continue-as-new input: %w", err)
	}
	return &ContinueAsNewError{Input: raw}
}

// failureOf converts a workflow-level error to its recorded form.
func failureOf(err error) schema.Failure {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return schema.Failure{Kind: ae.Kind, Message: err.Error()}
	}
	if code := schema.ErrorCode(err); code != "" {
		return schema.Failure{Kind: code, Message: err.Error()}
	}
	return schema.Failure{Kind: "workflow_error", Message: err.Error()}
}

func nonDeterministic(runID string, seq int64, format string, args ...any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNonDeterministic, format, args...).
		WithRunID(runID).
		WithDetails(map[string]any{"sequence": seq})
}
