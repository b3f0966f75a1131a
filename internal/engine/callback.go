package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

// OpenCallback is a callback exchange waiting for a reply.
type OpenCallback struct {
	CorrelationID  string          `json:"correlation_id"`
	RunID          string          `json:"run_id"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowType   string          `json:"workflow_type"`
	Key            string          `json:"key"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
}

// CallbackFilter narrows ListOpen. Zero fields match every running run.
type CallbackFilter struct {
	RunID      string `json:"run_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// CallbackBridge exposes open callback exchanges and records replies.
type CallbackBridge struct {
	store   store.Store
	journal *journal
	logger  *slog.Logger
}

// ListOpen returns the open exchanges of running runs, oldest request first.
func (b *CallbackBridge) ListOpen(ctx context.Context, filter CallbackFilter) ([]OpenCallback, error) {
	var runs []*store.Run
	if filter.RunID != "" {
		run, err := b.store.GetRun(ctx, filter.RunID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	} else {
		all, err := listAllRuns(ctx, b.store, store.RunFilter{WorkflowID: filter.WorkflowID, Status: schema.RunStatusRunning})
		if err != nil {
			return nil, err
		}
		runs = all
	}

	var out []OpenCallback
	for _, run := range runs {
		if run.Status != schema.RunStatusRunning {
			continue
		}
		events, err := store.ReadAll(ctx, b.store, run.RunID)
		if err != nil {
			return nil, err
		}
		h := runHistory(events)
		for _, c := range h.openCallbacks() {
			_, key, _ := workflow.ParseCorrelationID(c.CorrelationID)
			oc := OpenCallback{
				CorrelationID:  c.CorrelationID,
				RunID:          run.RunID,
				WorkflowID:     run.WorkflowID,
				WorkflowType:   run.WorkflowType,
				Key:            key,
				RequestPayload: c.Payload,
				RequestedAt:    c.requestedAt,
			}
			if t, ok := h.timer(c.TimeoutTimerID); ok && c.TimeoutTimerID != "" {
				deadline := t.FireAt
				oc.Deadline = &deadline
			}
			out = append(out, oc)
		}
	}
	slices.SortStableFunc(out, func(a, b OpenCallback) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out, nil
}

// Reply records the answer to an open exchange. Unknown, answered, timed-out or
// closed exchanges yield UNKNOWN_CORRELATION and leave the log untouched. A
// concurrent append surfaces as CONFLICT.
func (b *CallbackBridge) Reply(ctx context.Context, correlationID string, payload json.RawMessage) error {
	runID, _, ok := workflow.ParseCorrelationID(correlationID)
	if !ok {
		return unknownCorrelation(correlationID)
	}
	ctx = logging.WithCorrelationID(logging.WithRunID(ctx, runID), correlationID)

	_, err := b.journal.appendGuarded(ctx, runID, "", 0, func(h runHistory) ([]*schema.Event, error) {
		if !h.callbackOpen(correlationID) {
			return nil, unknownCorrelation(correlationID)
		}
		return oneEvent(schema.EventCallbackReceived, schema.CallbackReceivedAttributes{
			CorrelationID: correlationID, Payload: payload,
		})
	})
	if err != nil {
		return err
	}
	logging.LogWith(ctx, b.logger).Info("callback answered")
	return nil
}

func unknownCorrelation(correlationID string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeUnknownCorrelation, "no open callback exchange %q", correlationID).
		WithDetails(map[string]any{"correlation_id": correlationID})
}

// listAllRuns pages through ListRuns.
func listAllRuns(ctx context.Context, rs store.RunStore, filter store.RunFilter) ([]*store.Run, error) {
	const page = 100
	filter.Limit = page
	var out []*store.Run
	for {
		runs, err := rs.ListRuns(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, runs...)
		if len(runs) < page {
			return out, nil
		}
		filter.Offset += page
	}
}
