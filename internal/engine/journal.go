package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/pkg/schema"
)

// conflictRetries bounds how often a guarded append re-reads after losing a race.
const conflictRetries = 8

// decideFunc inspects the current history and returns the events to append.
// Returning no events skips the append.
type decideFunc func(h runHistory) ([]*schema.Event, error)

// journal appends to the event log and announces appended events on the hub.
type journal struct {
	log    store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

func (j *journal) append(ctx context.Context, runID, workflowID string, expected int64, events ...*schema.Event) (int64, error) {
	last, err := j.log.Append(ctx, runID, expected, events...)
	if err != nil {
		return 0, err
	}
	j.publish(ctx, workflowID, events...)
	return last, nil
}

func (j *journal) publish(ctx context.Context, workflowID string, events ...*schema.Event) {
	if j.hub == nil {
		return
	}
	for _, e := range events {
		if err := j.hub.Publish(ctx, streaming.FromEvent(workflowID, e)); err != nil {
			j.logger.Debug("publish event", "run_id", e.RunID, "type", e.Type, "error", err)
		}
	}
}

// appendGuarded reads the log, lets decide choose what to append and appends
// it at the observed last sequence. On CONFLICT it starts over, at most retries
// times. It reports whether anything was appended.
func (j *journal) appendGuarded(ctx context.Context, runID, workflowID string, retries int, decide decideFunc) (bool, error) {
	for attempt := 0; ; attempt++ {
		events, err := store.ReadAll(ctx, j.log, runID)
		if err != nil {
			return false, err
		}
		h := runHistory(events)
		if workflowID == "" {
			if started, _, ok := h.started(); ok {
				workflowID = started.WorkflowID
			}
		}

		batch, err := decide(h)
		if err != nil || len(batch) == 0 {
			return false, err
		}
		_, err = j.append(ctx, runID, workflowID, h.lastSequence(), batch...)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, schema.ErrConflict) || attempt >= retries {
			return false, err
		}
		j.logger.Debug("append lost race, re-reading", "run_id", runID, "attempt", attempt+1)
	}
}

func oneEvent(eventType string, attrs any) ([]*schema.Event, error) {
	e, err := schema.NewEvent(eventType, attrs)
	if err != nil {
		return nil, err
	}
	return []*schema.Event{e}, nil
}
