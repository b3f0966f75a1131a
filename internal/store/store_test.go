package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/pkg/schema"
)

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore()
			require.NoError(t, err)
			return s
		},
		"libsql": func(t *testing.T) Store {
			return newTestLibSQLStore(t)
		},
	}
	if url := os.Getenv("DURATOOL_TEST_POSTGRES_URL"); url != "" {
		b["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), PostgresConfig{URL: url})
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return b
}

func newTestLibSQLStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedRun(t *testing.T, s Store, workflowID string) *Run {
	t.Helper()
	run := &Run{
		RunID:        uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowType: "test.workflow",
		Input:        json.RawMessage(`{"n":1}`),
	}
	started, err := schema.NewEvent(schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{
		WorkflowType: run.WorkflowType, WorkflowID: workflowID, Input: run.Input,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(context.Background(), run, started))
	return run
}

func timerEvent(t *testing.T, id string) *schema.Event {
	t.Helper()
	e, err := schema.NewEvent(schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: id})
	require.NoError(t, err)
	return e
}

func TestStore_CreateRunWritesStartedEvent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		events, err := ReadAll(ctx, s, run.RunID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.JSONEq(t, `{"n":1}`, string(got.Input))
	})
}

func TestStore_AppendReadRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		last, err := s.Append(ctx, run.RunID, 1, timerEvent(t, "timer-0"), timerEvent(t, "timer-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)

		last, err = s.Append(ctx, run.RunID, 3, timerEvent(t, "timer-2"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), last)

		events, err := ReadAll(ctx, s, run.RunID)
		require.NoError(t, err)
		require.Len(t, events, 4)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence, "events come back in append order exactly once")
			assert.Equal(t, run.RunID, e.RunID)
		}
		var attrs schema.TimerFiredAttributes
		require.NoError(t, events[3].Decode(&attrs))
		assert.Equal(t, "timer-2", attrs.TimerID)
	})
}

func TestStore_AppendStaleSequenceConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		_, err := s.Append(ctx, run.RunID, 1, timerEvent(t, "timer-0"))
		require.NoError(t, err)

		_, err = s.Append(ctx, run.RunID, 1, timerEvent(t, "timer-1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, schema.ErrConflict)

		last, err := s.LastSequence(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), last, "a rejected append writes nothing")
	})
}

func TestStore_ConcurrentAppendsOnlyOneWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Append(ctx, run.RunID, 1, timerEvent(t, "timer-0")); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		last, err := s.LastSequence(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), last)
	})
}

func TestStore_ReadIsBoundedAndRestartable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		// Cross a page boundary.
		batch := make([]*schema.Event, readPageSize+10)
		for i := range batch {
			batch[i] = timerEvent(t, "t")
		}
		last, err := s.Append(ctx, run.RunID, 1, batch...)
		require.NoError(t, err)

		seq := s.Read(ctx, run.RunID)
		count := 0
		for e, err := range seq {
			require.NoError(t, err)
			count++
			if count == 1 {
				// Appends during a range are not observed by it.
				_, err := s.Append(ctx, run.RunID, last, timerEvent(t, "late"))
				require.NoError(t, err)
			}
			_ = e
		}
		assert.Equal(t, int(last), count)

		again := 0
		for _, err := range seq {
			require.NoError(t, err)
			again++
		}
		assert.Equal(t, int(last)+1, again, "ranging again starts over and sees the new length")
	})
}

func TestStore_ReadUnknownRunIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		events, err := ReadAll(context.Background(), s, "missing")
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestStore_OneRunningRunPerWorkflow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wfID := "wf-" + uuid.NewString()
		first := seedRun(t, s, wfID)

		dup := &Run{RunID: uuid.NewString(), WorkflowID: wfID, WorkflowType: "test.workflow"}
		started, err := schema.NewEvent(schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{WorkflowID: wfID})
		require.NoError(t, err)
		err = s.CreateRun(ctx, dup, started)
		assert.ErrorIs(t, err, schema.ErrConflict)

		latest, err := s.LatestRun(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, first.RunID, latest.RunID)

		require.NoError(t, s.CloseRun(ctx, first.RunID, RunClose{
			Status: schema.RunStatusContinuedAsNew,
		}))
		time.Sleep(5 * time.Millisecond)
		second := seedRun(t, s, wfID)

		latest, err = s.LatestRun(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, second.RunID, latest.RunID)
	})
}

func TestStore_CloseRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "wf-"+uuid.NewString())

		failure := &schema.Failure{Kind: "boom", Message: "it broke"}
		require.NoError(t, s.CloseRun(ctx, run.RunID, RunClose{Status: schema.RunStatusFailed, Error: failure}))

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "it broke", got.Error.Message)
		assert.NotNil(t, got.ClosedAt)

		// Same status again is a no-op, a different one is rejected.
		assert.NoError(t, s.CloseRun(ctx, run.RunID, RunClose{Status: schema.RunStatusFailed, Error: failure}))
		err = s.CloseRun(ctx, run.RunID, RunClose{Status: schema.RunStatusCompleted})
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

		err = s.CloseRun(ctx, "missing", RunClose{Status: schema.RunStatusCompleted})
		assert.ErrorIs(t, err, schema.ErrNotFound)

		events, err := ReadAll(ctx, s, run.RunID)
		require.NoError(t, err)
		assert.Len(t, events, 1, "closing a run keeps its history")
	})
}

func TestStore_ListRuns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedRun(t, s, "wf-a-"+uuid.NewString())
		b := seedRun(t, s, "wf-b-"+uuid.NewString())
		require.NoError(t, s.CloseRun(ctx, b.RunID, RunClose{Status: schema.RunStatusCompleted, Result: json.RawMessage(`"ok"`)}))

		running, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning, WorkflowType: "test.workflow"})
		require.NoError(t, err)
		ids := make([]string, 0, len(running))
		for _, r := range running {
			ids = append(ids, r.RunID)
		}
		assert.Contains(t, ids, a.RunID)
		assert.NotContains(t, ids, b.RunID)

		byWorkflow, err := s.ListRuns(ctx, RunFilter{WorkflowID: b.WorkflowID})
		require.NoError(t, err)
		require.Len(t, byWorkflow, 1)
		assert.JSONEq(t, `"ok"`, string(byWorkflow[0].Result))
	})
}

func TestStore_GetRunNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "nope")
		assert.ErrorIs(t, err, schema.ErrNotFound)
		_, err = s.LatestRun(context.Background(), "nope")
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})
}

func TestLibSQLStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := "file:" + filepath.Join(t.TempDir(), "durable.db")

	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	run := seedRun(t, s, "wf-durable")
	_, err = s.Append(ctx, run.RunID, 1, timerEvent(t, "timer-0"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Migrate(ctx), "migrations are idempotent")

	events, err := ReadAll(ctx, reopened, run.RunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventTimerFired, events[1].Type)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &sqlStore{d: dialect{numbered: true}}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &sqlStore{}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a (x)", stmts[1])
}
