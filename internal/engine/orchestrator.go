package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

// Orchestrator drives runs forward by replaying their logs through workflow code
// and appending the commands issued past the end of history.
type Orchestrator struct {
	store     store.Store
	journal   *journal
	workflows *workflow.Registry
	archiver  store.Archiver
	logger    *slog.Logger
	locks     keyedMutex
	newRunID  func() string
}

// StartRun creates a run and records its WorkflowStarted event.
func (o *Orchestrator) StartRun(ctx context.Context, run *store.Run) error {
	if run.RunID == "" {
		run.RunID = o.newRunID()
	}
	started, err := schema.NewEvent(schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{
		WorkflowType:     run.WorkflowType,
		WorkflowID:       run.WorkflowID,
		Input:            run.Input,
		ExecutionTimeout: run.ExecutionTimeout,
		ParentRunID:      run.ParentRunID,
	})
	if err != nil {
		return err
	}
	if err := o.store.CreateRun(ctx, run, started); err != nil {
		return err
	}
	o.journal.publish(ctx, run.WorkflowID, started)
	logging.LogWith(logging.WithRun(ctx, run.RunID, run.WorkflowID), o.logger).
		Info("run started", "workflow_type", run.WorkflowType, "parent_run_id", run.ParentRunID)
	return nil
}

// Advance runs one advance cycle for runID. A determinism violation is logged
// and returned; nothing is appended for that run.
func (o *Orchestrator) Advance(ctx context.Context, runID string) error {
	unlock := o.locks.lock(runID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		err := o.advance(ctx, runID)
		if !errors.Is(err, schema.ErrConflict) || attempt >= conflictRetries {
			return err
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ctx = logging.WithRun(ctx, run.RunID, run.WorkflowID)
	logger := logging.LogWith(ctx, o.logger)

	history, err := store.ReadAll(ctx, o.store, runID)
	if err != nil {
		return err
	}
	def, err := o.workflows.Get(run.WorkflowType)
	if err != nil {
		return err
	}

	res, err := workflow.Replay(ctx, def.Func, history, workflow.Options{Logger: o.logger})
	if err != nil {
		if errors.Is(err, schema.ErrNonDeterministic) {
			logger.Error("determinism violation, run left unchanged until fixed code is deployed",
				"workflow_type", run.WorkflowType, "error", err)
		}
		return err
	}
	if res.Closed {
		return o.close(ctx, run, history)
	}
	if len(res.Commands) == 0 {
		return nil
	}

	lifecycle := NewRunLifecycle(runID, schema.RunStatusRunning)
	for _, cmd := range res.Commands {
		if err := lifecycle.Apply(ctx, cmd.Type); err != nil {
			return err
		}
		if cmd.Type == schema.EventWorkflowContinuedAsNew {
			if err := o.assignSuccessor(cmd); err != nil {
				return err
			}
		}
	}

	if _, err := o.journal.append(ctx, runID, run.WorkflowID, res.LastSequence, res.Commands...); err != nil {
		if errors.Is(err, schema.ErrConflict) {
			logger.Debug("advance lost race, replaying again")
		}
		return err
	}
	logger.Debug("run advanced", "commands", len(res.Commands), "status", lifecycle.Status())

	if lifecycle.Status().Terminal() {
		return o.close(ctx, run, append(history, res.Commands...))
	}
	return nil
}

func (o *Orchestrator) assignSuccessor(cmd *schema.Event) error {
	var a schema.WorkflowContinuedAsNewAttributes
	if err := cmd.Decode(&a); err != nil {
		return err
	}
	a.NewRunID = o.newRunID()
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	cmd.Payload = raw
	return nil
}

// close makes the run status view match a terminal history, starts the
// successor of a continued run and archives the history. Each step is
// idempotent so a crash between them is repaired by the next advance.
func (o *Orchestrator) close(ctx context.Context, run *store.Run, history runHistory) error {
	lifecycle, err := lifecycleFromHistory(ctx, run.RunID, history)
	if err != nil {
		return err
	}
	if !lifecycle.Status().Terminal() {
		return nil
	}
	logger := logging.LogWith(ctx, o.logger)
	terminal := history.terminal()
	update, err := runCloseFor(terminal)
	if err != nil {
		return err
	}
	update.Status = lifecycle.Status()

	closedNow := false
	if run.Status == schema.RunStatusRunning {
		if err := o.store.CloseRun(ctx, run.RunID, update); err != nil {
			return err
		}
		closedNow = true
		logger.Info("run closed", "status", update.Status)
	}

	if terminal.Type == schema.EventWorkflowContinuedAsNew {
		if err := o.startSuccessor(ctx, run, terminal); err != nil {
			return err
		}
	}

	if closedNow && o.archiver != nil {
		run.Status = update.Status
		if err := o.archiver.Archive(ctx, run, history); err != nil {
			logger.Warn("archive run history", "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) startSuccessor(ctx context.Context, run *store.Run, terminal *schema.Event) error {
	var a schema.WorkflowContinuedAsNewAttributes
	if err := terminal.Decode(&a); err != nil {
		return err
	}
	if _, err := o.store.GetRun(ctx, a.NewRunID); err == nil {
		return nil
	} else if !errors.Is(err, schema.ErrNotFound) {
		return err
	}
	return o.StartRun(ctx, &store.Run{
		RunID:            a.NewRunID,
		WorkflowID:       run.WorkflowID,
		WorkflowType:     run.WorkflowType,
		Input:            a.Input,
		ExecutionTimeout: run.ExecutionTimeout,
		ParentRunID:      run.RunID,
	})
}

func runCloseFor(terminal *schema.Event) (store.RunClose, error) {
	status, _ := schema.StatusForTerminalEvent(terminal.Type)
	update := store.RunClose{Status: status}
	switch terminal.Type {
	case schema.EventWorkflowCompleted:
		var a schema.WorkflowCompletedAttributes
		if err := terminal.Decode(&a); err != nil {
			return update, err
		}
		update.Result = a.Result
	case schema.EventWorkflowFailed:
		var a schema.WorkflowFailedAttributes
		if err := terminal.Decode(&a); err != nil {
			return update, err
		}
		update.Error = &a.Error
	case schema.EventWorkflowCancelled:
		var a schema.WorkflowCancelledAttributes
		if err := terminal.Decode(&a); err != nil {
			return update, err
		}
		update.Error = &schema.Failure{Kind: schema.ErrCodeCancelled, Message: a.Reason}
	case schema.EventWorkflowTimedOut:
		update.Error = &schema.Failure{Kind: schema.ErrCodeTimeout, Message: "execution timeout elapsed"}
	}
	return update, nil
}

// Query replays the run read-only and answers a registered query handler.
func (o *Orchestrator) Query(ctx context.Context, runID, name string, args json.RawMessage) (json.RawMessage, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, err := o.workflows.Get(run.WorkflowType)
	if err != nil {
		return nil, err
	}
	history, err := store.ReadAll(ctx, o.store, runID)
	if err != nil {
		return nil, err
	}
	res, err := workflow.Replay(ctx, def.Func, history, workflow.Options{})
	if err != nil {
		return nil, err
	}
	out, err := res.Query(name, args)
	if err != nil {
		var ee *schema.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithRunID(runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "query %s: %v", name, err).WithRunID(runID).WithCause(err)
	}
	return out, nil
}

func newRunID() string { return uuid.NewString() }

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
