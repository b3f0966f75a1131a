package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// StreamEvent announces an event that was durably appended to a run's log.
// Delivery is best effort; the log stays the source of truth.
type StreamEvent struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Sequence   int64           `json:"sequence"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FromEvent builds the notification for an appended event.
func FromEvent(workflowID string, e *schema.Event) StreamEvent {
	return StreamEvent{
		RunID:      e.RunID,
		WorkflowID: workflowID,
		Sequence:   e.Sequence,
		EventType:  e.Type,
		Payload:    e.Payload,
		Timestamp:  e.Timestamp,
	}
}

// Event converts the notification back to the log event it announces.
func (s StreamEvent) Event() *schema.Event {
	return &schema.Event{RunID: s.RunID, Sequence: s.Sequence, Type: s.EventType, Payload: s.Payload, Timestamp: s.Timestamp}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for appended run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
