package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool with backpressure.
type WorkerPool struct {
	name    string
	logger  *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(name string, size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		name:   name,
		logger: logger,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at capacity
// and respects ctx while waiting. Returns ErrPoolShutdown once Shutdown began.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("worker panic", "pool", p.name, "panic", fmt.Sprint(r))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Default worker settings.
const (
	DefaultAdvancePoolSize  = 10
	DefaultActivityPoolSize = 10
	DefaultSweepInterval    = 30 * time.Second
)

// WorkerConfig sizes the worker.
type WorkerConfig struct {
	AdvancePoolSize  int
	ActivityPoolSize int
	SweepInterval    time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.AdvancePoolSize <= 0 {
		c.AdvancePoolSize = DefaultAdvancePoolSize
	}
	if c.ActivityPoolSize <= 0 {
		c.ActivityPoolSize = DefaultActivityPoolSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// WorkerStats is a snapshot of the worker's pools and timers.
type WorkerStats struct {
	Advance     PoolMetrics `json:"advance"`
	Activity    PoolMetrics `json:"activity"`
	ArmedTimers int         `json:"armed_timers"`
}

// Worker reacts to appended events: it advances runs, executes activities and
// arms timers. A periodic sweep over running runs repairs lost notifications
// and recovers work after a restart.
type Worker struct {
	config       WorkerConfig
	store        store.Store
	hub          streaming.EventHub
	orchestrator *Orchestrator
	activities   *ActivityExecutor
	timers       *TimerService
	logger       *slog.Logger

	advancePool  *WorkerPool
	activityPool *WorkerPool

	mu        sync.Mutex
	advancing map[string]bool // run id -> another advance requested while running
	executing map[string]bool // run id + activity id

	// admitting counts dispatches still waiting for pool capacity.
	admitting sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start subscribes to the hub, recovers open runs and runs the loops until
// Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := w.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to event hub: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	w.runCtx, w.cancel, w.group = gctx, cancel, g

	g.Go(func() error { return w.timers.Run(gctx) })
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				w.handle(gctx, ev)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(w.config.SweepInterval)
		defer ticker.Stop()
		for {
			if err := w.Sweep(gctx); err != nil && gctx.Err() == nil {
				w.logger.Error("recovery sweep", "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	w.logger.Info("worker started",
		"advance_pool", w.config.AdvancePoolSize,
		"activity_pool", w.config.ActivityPoolSize,
		"sweep_interval", w.config.SweepInterval.String())
	return nil
}

// Stop cancels the loops and waits for in-flight work.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.group.Wait()
	w.admitting.Wait()
	w.advancePool.Shutdown()
	w.activityPool.Shutdown()
	w.logger.Info("worker stopped")
}

// Stats returns pool metrics and the number of armed timers.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Advance:     w.advancePool.Metrics(),
		Activity:    w.activityPool.Metrics(),
		ArmedTimers: w.timers.Len(),
	}
}

func (w *Worker) handle(ctx context.Context, ev streaming.StreamEvent) {
	switch ev.EventType {
	case schema.EventWorkflowStarted:
		var a schema.WorkflowStartedAttributes
		if err := ev.Event().Decode(&a); err == nil && a.ExecutionTimeout > 0 {
			w.timers.ArmExecutionTimeout(ev.RunID, ev.WorkflowID, ev.Timestamp.Add(a.ExecutionTimeout))
		}
		w.requestAdvance(ctx, ev.RunID)

	case schema.EventActivityScheduled:
		var a schema.ActivityScheduledAttributes
		if err := ev.Event().Decode(&a); err != nil {
			w.logger.Error("decode scheduled activity", "run_id", ev.RunID, "error", err)
			return
		}
		w.dispatchActivity(ctx, ActivityTask{RunID: ev.RunID, WorkflowID: ev.WorkflowID, Scheduled: a})

	case schema.EventTimerStarted:
		var a schema.TimerStartedAttributes
		if err := ev.Event().Decode(&a); err != nil {
			w.logger.Error("decode started timer", "run_id", ev.RunID, "error", err)
			return
		}
		w.timers.Arm(ev.RunID, ev.WorkflowID, a.TimerID, a.FireAt, ev.Sequence)

	case schema.EventActivityCompleted, schema.EventActivityFailed,
		schema.EventTimerFired, schema.EventCallbackReceived, schema.EventSignalReceived,
		schema.EventWorkflowCancelRequested, schema.EventWorkflowTimedOut:
		w.requestAdvance(ctx, ev.RunID)
	}
}

// requestAdvance queues an advance cycle. Requests for a run that is already
// queued or advancing coalesce into one more cycle.
func (w *Worker) requestAdvance(ctx context.Context, runID string) {
	w.mu.Lock()
	if _, busy := w.advancing[runID]; busy {
		w.advancing[runID] = true
		w.mu.Unlock()
		return
	}
	w.advancing[runID] = false
	w.mu.Unlock()

	w.submit(ctx, w.advancePool, func(ctx context.Context) error {
		for {
			err := w.orchestrator.Advance(ctx, runID)
			if err != nil && ctx.Err() == nil && !errors.Is(err, schema.ErrNonDeterministic) {
				w.logger.Warn("advance run", "run_id", runID, "error", err)
			}

			w.mu.Lock()
			if again := w.advancing[runID]; again && ctx.Err() == nil {
				w.advancing[runID] = false
				w.mu.Unlock()
				continue
			}
			delete(w.advancing, runID)
			w.mu.Unlock()
			return err
		}
	}, func() {
		w.mu.Lock()
		delete(w.advancing, runID)
		w.mu.Unlock()
	})
}

// dispatchActivity executes a task unless this worker is already running it.
func (w *Worker) dispatchActivity(ctx context.Context, task ActivityTask) {
	key := task.RunID + "/" + task.Scheduled.ActivityID
	w.mu.Lock()
	if w.executing[key] {
		w.mu.Unlock()
		return
	}
	w.executing[key] = true
	w.mu.Unlock()

	release := func() {
		w.mu.Lock()
		delete(w.executing, key)
		w.mu.Unlock()
	}
	w.submit(ctx, w.activityPool, func(ctx context.Context) error {
		defer release()
		err := w.activities.Execute(ctx, task)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("execute activity", "run_id", task.RunID, "activity_id", task.Scheduled.ActivityID, "error", err)
		}
		return err
	}, release)
}

// submit hands fn to pool without waiting for capacity. The event loop and
// the sweep never block on a full pool; rejected runs when the pool refuses fn.
func (w *Worker) submit(ctx context.Context, pool *WorkerPool, fn func(context.Context) error, rejected func()) {
	w.admitting.Add(1)
	go func() {
		defer w.admitting.Done()
		if err := pool.Submit(ctx, fn); err != nil {
			rejected()
		}
	}()
}

// Sweep re-drives every running run from its log: pending activities are
// dispatched, unfired timers and execution timeouts armed, and an advance
// requested.
func (w *Worker) Sweep(ctx context.Context) error {
	runs, err := listAllRuns(ctx, w.store, store.RunFilter{Status: schema.RunStatusRunning})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := store.ReadAll(ctx, w.store, run.RunID)
		if err != nil {
			w.logger.Warn("sweep read", "run_id", run.RunID, "error", err)
			continue
		}
		h := runHistory(events)
		if !h.closed() {
			if started, at, ok := h.started(); ok && started.ExecutionTimeout > 0 {
				w.timers.ArmExecutionTimeout(run.RunID, run.WorkflowID, at.Add(started.ExecutionTimeout))
			}
			for _, t := range h.pendingTimers() {
				w.timers.Arm(run.RunID, run.WorkflowID, t.TimerID, t.FireAt, t.sequence)
			}
			for _, a := range h.pendingActivities() {
				w.dispatchActivity(ctx, ActivityTask{RunID: run.RunID, WorkflowID: run.WorkflowID, Scheduled: a})
			}
		}
		w.requestAdvance(ctx, run.RunID)
	}
	return nil
}
