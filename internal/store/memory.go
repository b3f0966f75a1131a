package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/rendis/duratool/pkg/schema"
)

const (
	tableEvents = "events"
	tableRuns   = "runs"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableEvents: {
			Name: tableEvents,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "RunID"},
						&memdb.IntFieldIndex{Field: "Sequence"},
					}},
				},
				"run": {
					Name:    "run",
					Indexer: &memdb.StringFieldIndex{Field: "RunID"},
				},
			},
		},
		tableRuns: {
			Name: tableRuns,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "RunID"},
				},
				"workflow": {
					Name:    "workflow",
					Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
	},
}

// MemoryStore implements Store in process memory with go-memdb. Write transactions
// are exclusive, which gives Append its compare-and-append atomicity. Nothing
// survives the process, so it suits tests and throwaway runs.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) Append(_ context.Context, runID string, expectedLastSeq int64, events ...*schema.Event) (int64, error) {
	if len(events) == 0 {
		return expectedLastSeq, nil
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	last, err := lastSequence(txn, runID)
	if err != nil {
		return 0, err
	}
	if last != expectedLastSeq {
		return 0, conflictError(runID, expectedLastSeq, last)
	}
	stampEvents(runID, last, events)
	for _, e := range events {
		stored := *e
		if err := txn.Insert(tableEvents, &stored); err != nil {
			return 0, storeError("insert event", err)
		}
	}
	txn.Commit()
	return events[len(events)-1].Sequence, nil
}

func (m *MemoryStore) Read(ctx context.Context, runID string) iter.Seq2[*schema.Event, error] {
	return pagedRead(ctx, runID, m.LastSequence, m.eventPage)
}

func (m *MemoryStore) eventPage(_ context.Context, runID string, after, upTo int64, limit int) ([]*schema.Event, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	all, err := runEvents(txn, runID)
	if err != nil {
		return nil, err
	}
	var page []*schema.Event
	for _, e := range all {
		if e.Sequence <= after || e.Sequence > upTo {
			continue
		}
		cp := *e
		page = append(page, &cp)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (m *MemoryStore) LastSequence(_ context.Context, runID string) (int64, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	return lastSequence(txn, runID)
}

// runEvents returns a run's events sorted by sequence.
func runEvents(txn *memdb.Txn, runID string) ([]*schema.Event, error) {
	it, err := txn.Get(tableEvents, "run", runID)
	if err != nil {
		return nil, storeError("query events", err)
	}
	var events []*schema.Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		events = append(events, obj.(*schema.Event))
	}
	slices.SortFunc(events, func(a, b *schema.Event) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return events, nil
}

func lastSequence(txn *memdb.Txn, runID string) (int64, error) {
	events, err := runEvents(txn, runID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run, started *schema.Event) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableRuns, "id", run.RunID); err != nil {
		return storeError("lookup run", err)
	} else if existing != nil {
		return runConflict(run)
	}
	it, err := txn.Get(tableRuns, "workflow", run.WorkflowID)
	if err != nil {
		return storeError("lookup workflow", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if obj.(*Run).Status == schema.RunStatusRunning {
			return runConflict(run)
		}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	run.Status = schema.RunStatusRunning
	stored := *run
	if err := txn.Insert(tableRuns, &stored); err != nil {
		return storeError("insert run", err)
	}

	stampEvents(run.RunID, 0, []*schema.Event{started})
	ev := *started
	if err := txn.Insert(tableEvents, &ev); err != nil {
		return storeError("insert event", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableRuns, "id", runID)
	if err != nil {
		return nil, storeError("get run", err)
	}
	if obj == nil {
		return nil, storeNotFound("run", runID)
	}
	cp := *obj.(*Run)
	return &cp, nil
}

func (m *MemoryStore) LatestRun(_ context.Context, workflowID string) (*Run, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRuns, "workflow", workflowID)
	if err != nil {
		return nil, storeError("get workflow runs", err)
	}
	var latest *Run
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*Run)
		switch {
		case latest == nil:
			latest = r
		case r.Status == schema.RunStatusRunning:
			latest = r
		case latest.Status != schema.RunStatusRunning && r.CreatedAt.After(latest.CreatedAt):
			latest = r
		}
	}
	if latest == nil {
		return nil, storeNotFound("workflow", workflowID)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) CloseRun(_ context.Context, runID string, update RunClose) error {
	if !update.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot close run with status %q", update.Status).WithRunID(runID)
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableRuns, "id", runID)
	if err != nil {
		return storeError("get run", err)
	}
	if obj == nil {
		return storeNotFound("run", runID)
	}
	run := *obj.(*Run)
	if run.Status != schema.RunStatusRunning {
		return alreadyClosed(&run, update.Status)
	}

	now := time.Now().UTC()
	run.Status = update.Status
	run.Result = update.Result
	run.Error = update.Error
	run.UpdatedAt = now
	run.ClosedAt = &now
	if err := txn.Insert(tableRuns, &run); err != nil {
		return storeError("update run", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.WorkflowID != "":
		it, err = txn.Get(tableRuns, "workflow", filter.WorkflowID)
	case filter.Status != "":
		it, err = txn.Get(tableRuns, "status", string(filter.Status))
	default:
		it, err = txn.Get(tableRuns, "id_prefix", "")
	}
	if err != nil {
		return nil, storeError("list runs", err)
	}

	var runs []*Run
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*Run)
		if filter.WorkflowType != "" && r.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}
	slices.SortFunc(runs, func(a, b *Run) int { return b.CreatedAt.Compare(a.CreatedAt) })

	if filter.Offset >= len(runs) {
		return nil, nil
	}
	runs = runs[filter.Offset:]
	if limit := limitOrDefault(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
