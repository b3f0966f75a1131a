package store

import (
	"context"
	"iter"

	"github.com/rendis/duratool/pkg/schema"
)

// EventLog is the append-only, per-run record of everything a workflow execution has done.
// All implementations must be safe for concurrent use.
type EventLog interface {
	// Append atomically appends events after expectedLastSeq and returns the new last
	// sequence. It fails with a CONFLICT error if expectedLastSeq is stale. Sequence
	// numbers and missing timestamps are assigned by the log.
	Append(ctx context.Context, runID string, expectedLastSeq int64, events ...*schema.Event) (int64, error)

	// Read returns the run's events in ascending sequence order. The sequence is lazy,
	// can be ranged over more than once, and each range is bounded by the log length
	// observed when it begins.
	Read(ctx context.Context, runID string) iter.Seq2[*schema.Event, error]

	// LastSequence returns the highest sequence of the run, or 0 for an empty log.
	LastSequence(ctx context.Context, runID string) (int64, error)
}

// RunStore indexes runs by workflow id and keeps a status view derived from the log.
type RunStore interface {
	// CreateRun inserts the run and its WorkflowStarted event at sequence 1 atomically.
	// It fails with CONFLICT if another run of the same workflow id is still running.
	CreateRun(ctx context.Context, run *Run, started *schema.Event) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// LatestRun returns the most recently created run of a workflow id.
	LatestRun(ctx context.Context, workflowID string) (*Run, error)
	CloseRun(ctx context.Context, runID string, update RunClose) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// Store bundles the event log and run index of one backend.
type Store interface {
	EventLog
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}
