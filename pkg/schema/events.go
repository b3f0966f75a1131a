package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the per-run event log.
const (
	EventWorkflowStarted         = "workflow_started"
	EventWorkflowCompleted       = "workflow_completed"
	EventWorkflowFailed          = "workflow_failed"
	EventWorkflowCancelRequested = "workflow_cancel_requested"
	EventWorkflowCancelled       = "workflow_cancelled"
	EventWorkflowTimedOut        = "workflow_timed_out"
	EventWorkflowContinuedAsNew  = "workflow_continued_as_new"

	EventActivityScheduled = "activity_scheduled"
	EventActivityCompleted = "activity_completed"
	EventActivityFailed    = "activity_failed"

	EventTimerStarted = "timer_started"
	EventTimerFired   = "timer_fired"

	EventCallbackRequested = "callback_requested"
	EventCallbackReceived  = "callback_received"

	EventSignalReceived = "signal_received"
)

// IsCommandEvent reports whether events of this type are produced by workflow code
// and must therefore be reproduced identically on replay.
func IsCommandEvent(eventType string) bool {
	switch eventType {
	case EventActivityScheduled, EventTimerStarted, EventCallbackRequested,
		EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowContinuedAsNew:
		return true
	}
	return false
}

// IsTerminalEvent reports whether the event closes its run.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventWorkflowTimedOut, EventWorkflowContinuedAsNew:
		return true
	}
	return false
}

// Event is one immutable entry in a run's event log.
type Event struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an unsequenced event whose payload is attrs encoded as JSON.
func NewEvent(eventType string, attrs any) (*Event, error) {
	e := &Event{Type: eventType}
	if attrs != nil {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "encode %s attributes: %v", eventType, err).WithCause(err)
		}
		e.Payload = raw
	}
	return e, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewErrorf(ErrCodeStore, "decode %s #%d: %v", e.Type, e.Sequence, err).WithRunID(e.RunID).WithCause(err)
	}
	return nil
}

// Failure is the serialized form of an error recorded in the log.
type Failure struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// --- Event attributes ---

type WorkflowStartedAttributes struct {
	WorkflowType     string          `json:"workflow_type"`
	WorkflowID       string          `json:"workflow_id"`
	Input            json.RawMessage `json:"input,omitempty"`
	ExecutionTimeout time.Duration   `json:"execution_timeout,omitempty"`
	ParentRunID      string          `json:"parent_run_id,omitempty"`
}

type WorkflowCompletedAttributes struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type WorkflowFailedAttributes struct {
	Error Failure `json:"error"`
}

type WorkflowCancelRequestedAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowCancelledAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowContinuedAsNewAttributes struct {
	Input    json.RawMessage `json:"input,omitempty"`
	NewRunID string          `json:"new_run_id"`
}

type ActivityScheduledAttributes struct {
	ActivityID          string          `json:"activity_id"`
	Name                string          `json:"name"`
	Input               json.RawMessage `json:"input,omitempty"`
	RetryPolicy         RetryPolicy     `json:"retry_policy"`
	StartToCloseTimeout time.Duration   `json:"start_to_close_timeout,omitempty"`
}

type ActivityCompletedAttributes struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempts   int             `json:"attempts"`
}

type ActivityFailedAttributes struct {
	ActivityID string  `json:"activity_id"`
	Error      Failure `json:"error"`
	Attempts   int     `json:"attempts"`
}

type TimerStartedAttributes struct {
	TimerID  string        `json:"timer_id"`
	Duration time.Duration `json:"duration"`
	FireAt   time.Time     `json:"fire_at"`
}

type TimerFiredAttributes struct {
	TimerID string `json:"timer_id"`
}

type CallbackRequestedAttributes struct {
	CorrelationID  string          `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutTimerID string          `json:"timeout_timer_id,omitempty"`
}

type CallbackReceivedAttributes struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type SignalReceivedAttributes struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
