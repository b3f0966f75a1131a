package engine

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/rendis/duratool/pkg/schema"
)

// RunStatusNotStarted is the lifecycle state before WorkflowStarted is recorded.
// It is never persisted.
const RunStatusNotStarted schema.RunStatus = "not_started"

type lifecycleTrigger string

const (
	triggerStart         lifecycleTrigger = "start"
	triggerComplete      lifecycleTrigger = "complete"
	triggerFail          lifecycleTrigger = "fail"
	triggerCancel        lifecycleTrigger = "cancel"
	triggerTimeOut       lifecycleTrigger = "time_out"
	triggerContinueAsNew lifecycleTrigger = "continue_as_new"
)

// eventTriggers maps the events that move a run between lifecycle states.
var eventTriggers = map[string]lifecycleTrigger{
	schema.EventWorkflowStarted:        triggerStart,
	schema.EventWorkflowCompleted:      triggerComplete,
	schema.EventWorkflowFailed:         triggerFail,
	schema.EventWorkflowCancelled:      triggerCancel,
	schema.EventWorkflowTimedOut:       triggerTimeOut,
	schema.EventWorkflowContinuedAsNew: triggerContinueAsNew,
}

// RunLifecycle is the status state machine of one run:
// not_started -> running -> completed | failed | cancelled | timed_out | continued_as_new.
type RunLifecycle struct {
	runID string
	sm    *stateless.StateMachine
}

// NewRunLifecycle creates a lifecycle positioned at status. An empty status
// means not started.
func NewRunLifecycle(runID string, status schema.RunStatus) *RunLifecycle {
	if status == "" {
		status = RunStatusNotStarted
	}
	sm := stateless.NewStateMachine(status)

	sm.Configure(RunStatusNotStarted).
		Permit(triggerStart, schema.RunStatusRunning)

	sm.Configure(schema.RunStatusRunning).
		Permit(triggerComplete, schema.RunStatusCompleted).
		Permit(triggerFail, schema.RunStatusFailed).
		Permit(triggerCancel, schema.RunStatusCancelled).
		Permit(triggerTimeOut, schema.RunStatusTimedOut).
		Permit(triggerContinueAsNew, schema.RunStatusContinuedAsNew)

	for _, s := range []schema.RunStatus{
		schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled,
		schema.RunStatusTimedOut, schema.RunStatusContinuedAsNew,
	} {
		sm.Configure(s)
	}

	return &RunLifecycle{runID: runID, sm: sm}
}

// lifecycleFromHistory rebuilds the lifecycle by applying every event of a log.
func lifecycleFromHistory(ctx context.Context, runID string, events []*schema.Event) (*RunLifecycle, error) {
	l := NewRunLifecycle(runID, RunStatusNotStarted)
	for _, e := range events {
		if err := l.Apply(ctx, e.Type); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Status returns the current lifecycle state.
func (l *RunLifecycle) Status() schema.RunStatus {
	return l.sm.MustState().(schema.RunStatus)
}

// Apply advances the lifecycle for an event. Events that do not change the
// status are only legal while the run is running.
func (l *RunLifecycle) Apply(ctx context.Context, eventType string) error {
	from := l.Status()
	trigger, ok := eventTriggers[eventType]
	if !ok {
		if from != schema.RunStatusRunning {
			return l.invalid(from, eventType)
		}
		return nil
	}
	if err := l.sm.FireCtx(ctx, trigger); err != nil {
		return l.invalid(from, eventType).WithCause(err)
	}
	return nil
}

// canApply reports whether Apply would accept eventType.
func (l *RunLifecycle) canApply(ctx context.Context, eventType string) bool {
	trigger, ok := eventTriggers[eventType]
	if !ok {
		return l.Status() == schema.RunStatusRunning
	}
	can, err := l.sm.CanFireCtx(ctx, trigger)
	return err == nil && can
}

// checkAppend returns INVALID_TRANSITION unless an eventType event may be
// recorded after history.
func checkAppend(ctx context.Context, runID string, history []*schema.Event, eventType string) error {
	l, err := lifecycleFromHistory(ctx, runID, history)
	if err != nil {
		return err
	}
	if !l.canApply(ctx, eventType) {
		return l.invalid(l.Status(), eventType)
	}
	return nil
}

func (l *RunLifecycle) invalid(from schema.RunStatus, eventType string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot record %s while run is %s", eventType, from).
		WithRunID(l.runID).
		WithDetails(map[string]any{"from": string(from), "event_type": eventType})
}
