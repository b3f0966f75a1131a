package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/pkg/schema"
)

// DefaultStartToCloseTimeout bounds one activity attempt when the schedule sets none.
const DefaultStartToCloseTimeout = 30 * time.Second

// ActivityTask is one scheduled activity to execute.
type ActivityTask struct {
	RunID      string
	WorkflowID string
	Scheduled  schema.ActivityScheduledAttributes
}

// ActivityExecutor runs scheduled activities under their retry policy and records
// exactly one terminal event per activity id.
type ActivityExecutor struct {
	journal        *journal
	registry       *activities.Registry
	breakers       *CircuitBreakerRegistry
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Execute performs every attempt of the task and appends ActivityCompleted or
// ActivityFailed. It appends nothing when the activity was already resolved, the
// run closed meanwhile, or ctx ended before a terminal outcome.
func (x *ActivityExecutor) Execute(ctx context.Context, task ActivityTask) error {
	s := task.Scheduled
	ctx = logging.WithActivityID(logging.WithRun(ctx, task.RunID, task.WorkflowID), s.ActivityID)
	logger := logging.LogWith(ctx, x.logger).With("activity", s.Name)

	if done, err := x.alreadyResolved(ctx, task); err != nil || done {
		return err
	}

	act, err := x.registry.Get(s.Name)
	if err != nil {
		logger.Error("activity not registered", "error", err)
		return x.record(ctx, task, nil, &activities.Error{Kind: "activity_not_registered", Message: err.Error()}, 0)
	}

	timeout := s.StartToCloseTimeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	policy := s.RetryPolicy.WithDefaults()

	var (
		attempts int
		result   json.RawMessage
		lastErr  error
	)
	err = retry.Do(ctx, policyBackoff(policy, &attempts), func(ctx context.Context) error {
		if err := x.admit(ctx, act.Name()); err != nil {
			return err
		}
		attempts++
		out, err := x.attempt(ctx, act, s.Input, timeout)
		if err == nil {
			result, lastErr = out, nil
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryableError(err, policy) {
			return err
		}
		logger.Warn("activity attempt failed", "attempt", attempts, "kind", ErrorKind(err), "error", err)
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		// Shutdown: leave the activity scheduled so recovery runs it again.
		return ctx.Err()
	}
	if err != nil && lastErr == nil {
		lastErr = err
	}

	if lastErr != nil {
		logger.Warn("activity failed", "attempts", attempts, "kind", ErrorKind(lastErr), "error", lastErr)
	} else {
		logger.Debug("activity completed", "attempts", attempts)
	}
	return x.record(ctx, task, result, lastErr, attempts)
}

func (x *ActivityExecutor) alreadyResolved(ctx context.Context, task ActivityTask) (bool, error) {
	events, err := store.ReadAll(ctx, x.journal.log, task.RunID)
	if err != nil {
		return false, err
	}
	h := runHistory(events)
	return h.closed() || h.activityResolved(task.Scheduled.ActivityID), nil
}

// attempt runs one bounded invocation admitted by the activity's circuit
// breaker and feeds the outcome back to it.
func (x *ActivityExecutor) attempt(ctx context.Context, act activities.Activity, input json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := invoke(actx, act, input)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("attempt exceeded start-to-close timeout %s: %w", timeout, err)
	}
	x.breakers.Record(act.Name(), err)
	return out, err
}

// admit blocks while the activity's circuit rejects attempts. Time spent
// waiting is not an attempt; it ends only when the breaker admits one or ctx ends.
func (x *ActivityExecutor) admit(ctx context.Context, name string) error {
	for {
		err := x.breakers.Allow(name)
		if err == nil {
			return nil
		}
		wait := x.breakers.RetryAfter(name)
		if wait <= 0 {
			wait = time.Millisecond
		}
		logging.LogWith(ctx, x.logger).Debug("activity waiting on open circuit", "activity", name, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func invoke(ctx context.Context, act activities.Activity, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &activities.Error{Kind: "panic", Message: fmt.Sprintf("%v\n%s", p, debug.Stack())}
		}
	}()
	return act.Execute(ctx, input)
}

// record appends the terminal event unless the log already resolved the
// activity or closed the run.
func (x *ActivityExecutor) record(ctx context.Context, task ActivityTask, result json.RawMessage, failure error, attempts int) error {
	id := task.Scheduled.ActivityID
	appended, err := x.journal.appendGuarded(ctx, task.RunID, task.WorkflowID, conflictRetries, func(h runHistory) ([]*schema.Event, error) {
		if h.closed() || h.activityResolved(id) {
			return nil, nil
		}
		if failure != nil {
			return oneEvent(schema.EventActivityFailed, schema.ActivityFailedAttributes{
				ActivityID: id,
				Error:      schema.Failure{Kind: ErrorKind(failure), Message: failure.Error()},
				Attempts:   attempts,
			})
		}
		return oneEvent(schema.EventActivityCompleted, schema.ActivityCompletedAttributes{
			ActivityID: id, Result: result, Attempts: attempts,
		})
	})
	if err != nil {
		return fmt.Errorf("record activity %s: %w", id, err)
	}
	if !appended {
		logging.LogWith(ctx, x.logger).Debug("activity outcome dropped, already resolved or run closed")
	}
	return nil
}
