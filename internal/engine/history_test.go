package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/pkg/schema"
)

type historyBuilder struct {
	t   *testing.T
	h   runHistory
	now time.Time
}

func newHistoryBuilder(t *testing.T) *historyBuilder {
	b := &historyBuilder{t: t, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return b.add(schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{WorkflowType: "approval", WorkflowID: "wf-1"})
}

func (b *historyBuilder) add(eventType string, attrs any) *historyBuilder {
	b.t.Helper()
	e, err := schema.NewEvent(eventType, attrs)
	require.NoError(b.t, err)
	e.RunID = "run-1"
	e.Sequence = int64(len(b.h) + 1)
	e.Timestamp = b.now.Add(time.Duration(len(b.h)) * time.Second)
	b.h = append(b.h, e)
	return b
}

func TestRunHistory_OpenCallbacks(t *testing.T) {
	b := newHistoryBuilder(t).
		add(schema.EventCallbackRequested, schema.CallbackRequestedAttributes{CorrelationID: "run-1:a"}).
		add(schema.EventCallbackRequested, schema.CallbackRequestedAttributes{CorrelationID: "run-1:b", TimeoutTimerID: "timer-0"}).
		add(schema.EventTimerStarted, schema.TimerStartedAttributes{TimerID: "timer-0", Duration: time.Minute}).
		add(schema.EventCallbackRequested, schema.CallbackRequestedAttributes{CorrelationID: "run-1:c"})

	var open []string
	for _, c := range b.h.openCallbacks() {
		open = append(open, c.CorrelationID)
	}
	assert.Equal(t, []string{"run-1:a", "run-1:b", "run-1:c"}, open)
	assert.Equal(t, b.h[1].Timestamp, b.h.openCallbacks()[0].requestedAt)

	b.add(schema.EventCallbackReceived, schema.CallbackReceivedAttributes{CorrelationID: "run-1:a"}).
		add(schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: "timer-0"})

	assert.False(t, b.h.callbackOpen("run-1:a"))
	assert.False(t, b.h.callbackOpen("run-1:b"))
	assert.True(t, b.h.callbackOpen("run-1:c"))
	assert.False(t, b.h.callbackOpen("run-1:zzz"))

	b.add(schema.EventWorkflowCancelRequested, schema.WorkflowCancelRequestedAttributes{})
	assert.Empty(t, b.h.openCallbacks())
}

func TestRunHistory_PendingWork(t *testing.T) {
	b := newHistoryBuilder(t).
		add(schema.EventActivityScheduled, schema.ActivityScheduledAttributes{ActivityID: "activity-0", Name: "fetch"}).
		add(schema.EventActivityScheduled, schema.ActivityScheduledAttributes{ActivityID: "activity-1", Name: "fetch"}).
		add(schema.EventTimerStarted, schema.TimerStartedAttributes{TimerID: "timer-0"}).
		add(schema.EventTimerStarted, schema.TimerStartedAttributes{TimerID: "timer-1"}).
		add(schema.EventActivityFailed, schema.ActivityFailedAttributes{ActivityID: "activity-0"}).
		add(schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: "timer-1"})

	pending := b.h.pendingActivities()
	require.Len(t, pending, 1)
	assert.Equal(t, "activity-1", pending[0].ActivityID)
	assert.True(t, b.h.activityResolved("activity-0"))

	timers := b.h.pendingTimers()
	require.Len(t, timers, 1)
	assert.Equal(t, "timer-0", timers[0].TimerID)
	assert.Equal(t, int64(4), timers[0].sequence)
	assert.True(t, b.h.timerFired("timer-1"))
	assert.Equal(t, int64(7), b.h.lastSequence())
}

func TestRunHistory_StartedAndTerminal(t *testing.T) {
	b := newHistoryBuilder(t)
	started, at, ok := b.h.started()
	require.True(t, ok)
	assert.Equal(t, "wf-1", started.WorkflowID)
	assert.Equal(t, b.now, at)
	assert.False(t, b.h.closed())

	b.add(schema.EventWorkflowCompleted, schema.WorkflowCompletedAttributes{})
	require.NotNil(t, b.h.terminal())
	assert.Equal(t, schema.EventWorkflowCompleted, b.h.terminal().Type)

	_, _, ok = runHistory(nil).started()
	assert.False(t, ok)
	assert.Zero(t, runHistory(nil).lastSequence())
}
