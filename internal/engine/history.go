package engine

import (
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// runHistory answers questions about a run's event log. Payloads that fail to
// decode are treated as absent.
type runHistory []*schema.Event

func (h runHistory) lastSequence() int64 {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Sequence
}

func (h runHistory) started() (schema.WorkflowStartedAttributes, time.Time, bool) {
	var a schema.WorkflowStartedAttributes
	if len(h) == 0 || h[0].Type != schema.EventWorkflowStarted {
		return a, time.Time{}, false
	}
	if err := h[0].Decode(&a); err != nil {
		return a, time.Time{}, false
	}
	return a, h[0].Timestamp, true
}

// terminal returns the event that closed the run, or nil while it is open.
func (h runHistory) terminal() *schema.Event {
	for i := len(h) - 1; i >= 0; i-- {
		if schema.IsTerminalEvent(h[i].Type) {
			return h[i]
		}
	}
	return nil
}

func (h runHistory) closed() bool { return h.terminal() != nil }

func (h runHistory) cancelRequested() bool {
	for _, e := range h {
		if e.Type == schema.EventWorkflowCancelRequested {
			return true
		}
	}
	return false
}

// activityResolved reports whether the activity already has a terminal event.
func (h runHistory) activityResolved(activityID string) bool {
	for _, e := range h {
		switch e.Type {
		case schema.EventActivityCompleted:
			var a schema.ActivityCompletedAttributes
			if e.Decode(&a) == nil && a.ActivityID == activityID {
				return true
			}
		case schema.EventActivityFailed:
			var a schema.ActivityFailedAttributes
			if e.Decode(&a) == nil && a.ActivityID == activityID {
				return true
			}
		}
	}
	return false
}

func (h runHistory) timerFired(timerID string) bool {
	for _, e := range h {
		if e.Type != schema.EventTimerFired {
			continue
		}
		var a schema.TimerFiredAttributes
		if e.Decode(&a) == nil && a.TimerID == timerID {
			return true
		}
	}
	return false
}

// pendingActivities lists scheduled activities without a terminal event.
func (h runHistory) pendingActivities() []schema.ActivityScheduledAttributes {
	var out []schema.ActivityScheduledAttributes
	for _, e := range h {
		if e.Type != schema.EventActivityScheduled {
			continue
		}
		var a schema.ActivityScheduledAttributes
		if e.Decode(&a) == nil && !h.activityResolved(a.ActivityID) {
			out = append(out, a)
		}
	}
	return out
}

type startedTimer struct {
	schema.TimerStartedAttributes
	sequence int64
}

// pendingTimers lists started timers that have not fired.
func (h runHistory) pendingTimers() []startedTimer {
	var out []startedTimer
	for _, e := range h {
		if e.Type != schema.EventTimerStarted {
			continue
		}
		var a schema.TimerStartedAttributes
		if e.Decode(&a) == nil && !h.timerFired(a.TimerID) {
			out = append(out, startedTimer{TimerStartedAttributes: a, sequence: e.Sequence})
		}
	}
	return out
}

func (h runHistory) timer(timerID string) (startedTimer, bool) {
	for _, e := range h {
		if e.Type != schema.EventTimerStarted {
			continue
		}
		var a schema.TimerStartedAttributes
		if e.Decode(&a) == nil && a.TimerID == timerID {
			return startedTimer{TimerStartedAttributes: a, sequence: e.Sequence}, true
		}
	}
	return startedTimer{}, false
}

type requestedCallback struct {
	schema.CallbackRequestedAttributes
	requestedAt time.Time
}

// openCallbacks lists exchanges that still accept a reply: requested, not
// answered, not timed out, and the run neither closed nor cancelled.
func (h runHistory) openCallbacks() []requestedCallback {
	if h.closed() || h.cancelRequested() {
		return nil
	}
	answered := make(map[string]bool)
	for _, e := range h {
		if e.Type != schema.EventCallbackReceived {
			continue
		}
		var a schema.CallbackReceivedAttributes
		if e.Decode(&a) == nil {
			answered[a.CorrelationID] = true
		}
	}

	var out []requestedCallback
	for _, e := range h {
		if e.Type != schema.EventCallbackRequested {
			continue
		}
		var a schema.CallbackRequestedAttributes
		if e.Decode(&a) != nil || answered[a.CorrelationID] {
			continue
		}
		if a.TimeoutTimerID != "" && h.timerFired(a.TimeoutTimerID) {
			continue
		}
		out = append(out, requestedCallback{CallbackRequestedAttributes: a, requestedAt: e.Timestamp})
	}
	return out
}

func (h runHistory) callbackOpen(correlationID string) bool {
	for _, c := range h.openCallbacks() {
		if c.CorrelationID == correlationID {
			return true
		}
	}
	return false
}
