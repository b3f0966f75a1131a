package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

func TestTimerService_PopsInDeadlineOrder(t *testing.T) {
	s := newTimerService(nil, discardLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(time.Hour) }

	s.Arm("run-1", "wf", "late", base.Add(3*time.Second), 1)
	s.Arm("run-1", "wf", "tie-second", base.Add(time.Second), 9)
	s.Arm("run-1", "wf", "tie-first", base.Add(time.Second), 4)
	s.Arm("run-2", "wf", "future", base.Add(2*time.Hour), 1)
	s.Arm("run-1", "wf", "late", base.Add(3*time.Second), 1)
	assert.Equal(t, 4, s.Len())

	due, wait := s.popDue()
	var ids []string
	for _, e := range due {
		ids = append(ids, e.timerID)
	}
	assert.Equal(t, []string{"tie-first", "tie-second", "late"}, ids)
	assert.Equal(t, time.Hour, wait)
	assert.Equal(t, 1, s.Len())

	s.now = func() time.Time { return base.Add(3 * time.Hour) }
	due, wait = s.popDue()
	require.Len(t, due, 1)
	assert.Equal(t, time.Duration(-1), wait)
	assert.Zero(t, s.Len())
}

func napWorkflow(ctx *workflow.Context, _ json.RawMessage) (any, error) {
	return nil, ctx.Sleep(time.Hour)
}

func TestTimerService_FireIsIdempotent(t *testing.T) {
	wf := workflow.NewRegistry()
	register(t, wf, "nap", napWorkflow)
	eng := newIdleEngine(t, newTestStore(t), wf, nil)
	ctx := context.Background()
	run := startIdleRun(t, eng, "nap")
	require.NoError(t, eng.orchestrator.Advance(ctx, run.RunID))

	events, err := eng.History(ctx, run.RunID)
	require.NoError(t, err)
	timers := runHistory(events).pendingTimers()
	require.Len(t, timers, 1)

	s := eng.worker.timers
	entry := &timerEntry{runID: run.RunID, workflowID: run.WorkflowID, timerID: timers[0].TimerID, fireAt: timers[0].FireAt}
	require.NoError(t, s.fire(ctx, entry))
	require.NoError(t, s.fire(ctx, entry))

	fired := eventsOfType(t, eng, run.RunID, schema.EventTimerFired)
	require.Len(t, fired, 1)
	assert.Equal(t, timers[0].TimerID, decodeEvent[schema.TimerFiredAttributes](t, fired[0]).TimerID)
}

func TestTimerService_ExecutionTimeoutClosesRunOnce(t *testing.T) {
	wf := workflow.NewRegistry()
	register(t, wf, "nap", napWorkflow)
	eng := newIdleEngine(t, newTestStore(t), wf, nil)
	ctx := context.Background()
	run := startIdleRun(t, eng, "nap")

	s := eng.worker.timers
	entry := &timerEntry{runID: run.RunID, workflowID: run.WorkflowID, timerID: executionTimerID, fireAt: time.Now()}
	require.NoError(t, s.fire(ctx, entry))
	require.NoError(t, s.fire(ctx, entry))
	assert.Len(t, eventsOfType(t, eng, run.RunID, schema.EventWorkflowTimedOut), 1)

	// A workflow timer firing after close appends nothing.
	require.NoError(t, s.fire(ctx, &timerEntry{runID: run.RunID, workflowID: run.WorkflowID, timerID: "timer-0"}))
	assert.Empty(t, eventsOfType(t, eng, run.RunID, schema.EventTimerFired))
}

func TestTimerService_RunFiresArmedTimers(t *testing.T) {
	wf := workflow.NewRegistry()
	register(t, wf, "nap", napWorkflow)
	eng := newIdleEngine(t, newTestStore(t), wf, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := startIdleRun(t, eng, "nap")
	require.NoError(t, eng.orchestrator.Advance(ctx, run.RunID))

	events, err := eng.History(ctx, run.RunID)
	require.NoError(t, err)
	timers := runHistory(events).pendingTimers()
	require.Len(t, timers, 1)

	s := eng.worker.timers
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Arm(run.RunID, run.WorkflowID, timers[0].TimerID, time.Now().Add(20*time.Millisecond), timers[0].sequence)
	require.Eventually(t, func() bool {
		return len(eventsOfType(t, eng, run.RunID, schema.EventTimerFired)) == 1
	}, awaitTimeout, 10*time.Millisecond)
	assert.Zero(t, s.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timer service did not stop")
	}
}
