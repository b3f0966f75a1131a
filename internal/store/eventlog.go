package store

import (
	"context"
	"iter"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// pageFunc fetches at most limit events of a run with after < sequence <= upTo,
// ordered by sequence.
type pageFunc func(ctx context.Context, runID string, after, upTo int64, limit int) ([]*schema.Event, error)

// pagedRead builds the lazy Read sequence shared by all backends. Each range snapshots
// the last sequence first, so concurrent appends never extend an in-progress read.
func pagedRead(ctx context.Context, runID string, last func(context.Context, string) (int64, error), page pageFunc) iter.Seq2[*schema.Event, error] {
	return func(yield func(*schema.Event, error) bool) {
		upTo, err := last(ctx, runID)
		if err != nil {
			yield(nil, err)
			return
		}
		var after int64
		for after < upTo {
			events, err := page(ctx, runID, after, upTo, readPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(events) == 0 {
				yield(nil, gapError(runID, after+1, 0))
				return
			}
			for _, e := range events {
				if e.Sequence != after+1 {
					yield(nil, gapError(runID, after+1, e.Sequence))
					return
				}
				after = e.Sequence
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// ReadAll drains a run's log into a slice.
func ReadAll(ctx context.Context, log EventLog, runID string) ([]*schema.Event, error) {
	var events []*schema.Event
	for e, err := range log.Read(ctx, runID) {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// stampEvents assigns run id, sequences and timestamps to a batch about to be appended.
func stampEvents(runID string, after int64, events []*schema.Event) {
	now := time.Now().UTC()
	for i, e := range events {
		e.RunID = runID
		e.Sequence = after + int64(i) + 1
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
}

func conflictError(runID string, expected, actual int64) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "expected last sequence %d, log is at %d", expected, actual).
		WithRunID(runID).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

func gapError(runID string, want, got int64) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "event log gap: expected sequence %d, got %d", want, got).WithRunID(runID)
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
