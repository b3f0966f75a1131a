package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/internal/validation"
	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

// Config holds the dependencies and tuning of an Engine.
type Config struct {
	Store      store.Store
	Hub        streaming.EventHub
	Workflows  *workflow.Registry
	Activities *activities.Registry
	// Archiver is optional.
	Archiver store.Archiver
	Logger   *slog.Logger

	Worker                 WorkerConfig
	CircuitBreaker         CircuitBreakerConfig
	DefaultActivityTimeout time.Duration
}

// StartRequest starts a workflow run.
type StartRequest struct {
	WorkflowType string          `json:"workflow_type"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	// ExecutionTimeout overrides the workflow definition's timeout when positive.
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty"`
}

// Engine is the front door to durable workflow execution.
type Engine struct {
	store        store.Store
	hub          streaming.EventHub
	workflows    *workflow.Registry
	journal      *journal
	orchestrator *Orchestrator
	callbacks    *CallbackBridge
	worker       *Worker
	validator    *validation.InputValidator
	breakers     *CircuitBreakerRegistry
	logger       *slog.Logger
}

// New wires an Engine. Call Run to start processing.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Workflows == nil {
		cfg.Workflows = workflow.NewRegistry()
	}
	if cfg.Activities == nil {
		cfg.Activities = activities.NewRegistry()
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.NewMemoryHub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	if cfg.DefaultActivityTimeout <= 0 {
		cfg.DefaultActivityTimeout = DefaultStartToCloseTimeout
	}
	wcfg := cfg.Worker.withDefaults()

	j := &journal{log: cfg.Store, hub: cfg.Hub, logger: logger}
	orch := &Orchestrator{
		store:     cfg.Store,
		journal:   j,
		workflows: cfg.Workflows,
		archiver:  cfg.Archiver,
		logger:    logger.With("component", "orchestrator"),
		newRunID:  newRunID,
	}
	breakers := NewCircuitBreakerRegistry(cfg.CircuitBreaker)
	executor := &ActivityExecutor{
		journal:        j,
		registry:       cfg.Activities,
		breakers:       breakers,
		logger:         logger.With("component", "activity"),
		defaultTimeout: cfg.DefaultActivityTimeout,
	}
	timers := newTimerService(j, logger.With("component", "timer"))

	return &Engine{
		store:        cfg.Store,
		hub:          cfg.Hub,
		workflows:    cfg.Workflows,
		journal:      j,
		orchestrator: orch,
		callbacks:    &CallbackBridge{store: cfg.Store, journal: j, logger: logger.With("component", "callback")},
		worker: &Worker{
			config:       wcfg,
			store:        cfg.Store,
			hub:          cfg.Hub,
			orchestrator: orch,
			activities:   executor,
			timers:       timers,
			logger:       logger.With("component", "worker"),
			advancePool:  NewWorkerPool("advance", wcfg.AdvancePoolSize, logger),
			activityPool: NewWorkerPool("activity", wcfg.ActivityPoolSize, logger),
			advancing:    make(map[string]bool),
			executing:    make(map[string]bool),
		},
		validator: validation.NewInputValidator(),
		breakers:  breakers,
		logger:    logger,
	}, nil
}

// Run starts the background worker. Recovery of open runs happens immediately.
func (e *Engine) Run(ctx context.Context) error { return e.worker.Start(ctx) }

// Stop halts the worker and waits for in-flight work.
func (e *Engine) Stop() { e.worker.Stop() }

// Hub returns the event hub appended events are announced on.
func (e *Engine) Hub() streaming.EventHub { return e.hub }

// Workflows returns the workflow registry.
func (e *Engine) Workflows() *workflow.Registry { return e.workflows }

// Stats reports worker pool and timer metrics.
func (e *Engine) Stats() WorkerStats { return e.worker.Stats() }

// CircuitStats reports the breaker state of an activity.
func (e *Engine) CircuitStats(activity string) CircuitStats { return e.breakers.Stats(activity) }

// Start validates the input and starts a run. Starting a workflow id that
// already has a running run of the same type returns that run.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Run, error) {
	def, err := e.workflows.Get(req.WorkflowType)
	if err != nil {
		return nil, err
	}
	// A caller that passes no arguments starts the workflow with an empty object.
	if trimmed := bytes.TrimSpace(req.Input); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		req.Input = json.RawMessage(`{}`)
	}
	if err := e.validator.Validate(req.Input, def.InputSchema); err != nil {
		return nil, err
	}

	run := &store.Run{
		RunID:            e.orchestrator.newRunID(),
		WorkflowID:       req.WorkflowID,
		WorkflowType:     def.Name,
		Input:            req.Input,
		ExecutionTimeout: def.ExecutionTimeout,
	}
	if run.WorkflowID == "" {
		run.WorkflowID = run.RunID
	}
	if req.ExecutionTimeout > 0 {
		run.ExecutionTimeout = req.ExecutionTimeout
	}

	err = e.orchestrator.StartRun(ctx, run)
	if errors.Is(err, schema.ErrConflict) {
		existing, lerr := e.store.LatestRun(ctx, run.WorkflowID)
		if lerr == nil && existing.Status == schema.RunStatusRunning && existing.WorkflowType == def.Name {
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, run.RunID)
}

// Signal appends a named signal to an open run.
func (e *Engine) Signal(ctx context.Context, runID, name string, payload json.RawMessage) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal name is empty")
	}
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	_, err := e.journal.appendGuarded(ctx, runID, "", conflictRetries, func(h runHistory) ([]*schema.Event, error) {
		if err := checkAppend(ctx, runID, h, schema.EventSignalReceived); err != nil {
			return nil, err
		}
		return oneEvent(schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: name, Payload: payload})
	})
	return err
}

// Cancel requests cancellation of an open run. Repeated requests are no-ops.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	_, err := e.journal.appendGuarded(ctx, runID, "", conflictRetries, func(h runHistory) ([]*schema.Event, error) {
		if err := checkAppend(ctx, runID, h, schema.EventWorkflowCancelRequested); err != nil {
			return nil, err
		}
		if h.cancelRequested() {
			return nil, nil
		}
		return oneEvent(schema.EventWorkflowCancelRequested, schema.WorkflowCancelRequestedAttributes{Reason: reason})
	})
	if err == nil {
		logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Info("cancel requested", "reason", reason)
	}
	return err
}

// Reply answers an open callback exchange. A lost append race is retried once
// against a fresh read.
func (e *Engine) Reply(ctx context.Context, correlationID string, payload json.RawMessage) error {
	err := e.callbacks.Reply(ctx, correlationID, payload)
	if errors.Is(err, schema.ErrConflict) {
		err = e.callbacks.Reply(ctx, correlationID, payload)
	}
	return err
}

// ListCallbacks returns open callback exchanges.
func (e *Engine) ListCallbacks(ctx context.Context, filter CallbackFilter) ([]OpenCallback, error) {
	return e.callbacks.ListOpen(ctx, filter)
}

// Query answers a workflow query handler without touching the log.
func (e *Engine) Query(ctx context.Context, runID, name string, args json.RawMessage) (json.RawMessage, error) {
	return e.orchestrator.Query(ctx, runID, name, args)
}

// Describe returns the run's status view.
func (e *Engine) Describe(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// History returns the run's full event log.
func (e *Engine) History(ctx context.Context, runID string) ([]*schema.Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return store.ReadAll(ctx, e.store, runID)
}

// LatestRun returns the most recent run of a workflow id.
func (e *Engine) LatestRun(ctx context.Context, workflowID string) (*store.Run, error) {
	return e.store.LatestRun(ctx, workflowID)
}

// ListRuns lists run status views.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// awaitPollInterval bounds how long Await relies on hub notifications alone.
const awaitPollInterval = 200 * time.Millisecond

// Await blocks until the run closes, following continue-as-new to the final
// run, and returns that run's status view.
func (e *Engine) Await(ctx context.Context, runID string) (*store.Run, error) {
	for successor := false; ; successor = true {
		closed, unsubscribe, err := e.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			return nil, err
		}
		run, err := e.awaitRun(ctx, runID, successor, closed)
		unsubscribe()
		if err != nil {
			return nil, err
		}
		if run.Status != schema.RunStatusContinuedAsNew {
			return run, nil
		}
		next, err := e.successorOf(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		runID = next
	}
}

// awaitRun polls runID until it is terminal. A successor run is created just
// after its predecessor closes, so NOT_FOUND is tolerated for it.
func (e *Engine) awaitRun(ctx context.Context, runID string, successor bool, events <-chan streaming.StreamEvent) (*store.Run, error) {
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		run, err := e.store.GetRun(ctx, runID)
		switch {
		case successor && errors.Is(err, schema.ErrNotFound):
		case err != nil:
			return nil, err
		case run.Status.Terminal():
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

func (e *Engine) successorOf(ctx context.Context, runID string) (string, error) {
	events, err := store.ReadAll(ctx, e.store, runID)
	if err != nil {
		return "", err
	}
	t := runHistory(events).terminal()
	if t == nil || t.Type != schema.EventWorkflowContinuedAsNew {
		return "", schema.NewError(schema.ErrCodeNotFound, "run has no successor").WithRunID(runID)
	}
	var a schema.WorkflowContinuedAsNewAttributes
	if err := t.Decode(&a); err != nil {
		return "", err
	}
	return a.NewRunID, nil
}
