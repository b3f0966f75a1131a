package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// dialect captures what differs between the database/sql backends.
type dialect struct {
	name              string
	numbered          bool // $1, $2 placeholders instead of ?
	isUniqueViolation func(error) bool
	migrations        []migration
}

// sqlStore implements Store on top of database/sql. LibSQLStore and PostgresStore
// embed it with their own dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *sqlStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *sqlStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *sqlStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.rebind, s.d.migrations)
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Event log ---

func (s *sqlStore) Append(ctx context.Context, runID string, expectedLastSeq int64, events ...*schema.Event) (int64, error) {
	if len(events) == 0 {
		return expectedLastSeq, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin append", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`), runID,
	).Scan(&last); err != nil {
		return 0, storeError("read last sequence", err)
	}
	if last != expectedLastSeq {
		return 0, conflictError(runID, expectedLastSeq, last)
	}

	stampEvents(runID, last, events)
	for _, e := range events {
		if err := s.insertEvent(ctx, tx, e); err != nil {
			return 0, s.appendError(runID, expectedLastSeq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.appendError(runID, expectedLastSeq, err)
	}
	return events[len(events)-1].Sequence, nil
}

// appendError maps a racing writer's duplicate sequence to a conflict.
func (s *sqlStore) appendError(runID string, expected int64, err error) error {
	if s.d.isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "expected last sequence %d was overtaken by a concurrent append", expected).
			WithRunID(runID).WithCause(err)
	}
	return storeError("append events", err)
}

func (s *sqlStore) insertEvent(ctx context.Context, tx *sql.Tx, e *schema.Event) error {
	_, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO events (run_id, sequence, event_type, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`),
		e.RunID, e.Sequence, e.Type, nullRaw(e.Payload), e.Timestamp,
	)
	return err
}

func (s *sqlStore) Read(ctx context.Context, runID string) iter.Seq2[*schema.Event, error] {
	return pagedRead(ctx, runID, s.LastSequence, s.eventPage)
}

func (s *sqlStore) eventPage(ctx context.Context, runID string, after, upTo int64, limit int) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT run_id, sequence, event_type, payload, recorded_at FROM events
		 WHERE run_id = ? AND sequence > ? AND sequence <= ? ORDER BY sequence ASC LIMIT ?`),
		runID, after, upTo, limit,
	)
	if err != nil {
		return nil, storeError("query events", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, storeError("scan event", err)
		}
		e.Payload = rawOrNil(payload)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate events", err)
	}
	return events, nil
}

func (s *sqlStore) LastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`), runID,
	).Scan(&last); err != nil {
		return 0, storeError("read last sequence", err)
	}
	return last, nil
}

// --- Runs ---

const runColumns = `run_id, workflow_id, workflow_type, input, status, result, error, execution_timeout, parent_run_id, created_at, updated_at, closed_at`

func (s *sqlStore) CreateRun(ctx context.Context, run *Run, started *schema.Event) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	run.Status = schema.RunStatusRunning

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin create run", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.WorkflowID, run.WorkflowType, nullRaw(run.Input), string(run.Status),
		nil, nil, int64(run.ExecutionTimeout), nullStr(run.ParentRunID),
		run.CreatedAt, run.UpdatedAt, nil,
	)
	if err != nil {
		return s.createRunError(run, err)
	}

	stampEvents(run.RunID, 0, []*schema.Event{started})
	if err := s.insertEvent(ctx, tx, started); err != nil {
		return s.createRunError(run, err)
	}
	if err := tx.Commit(); err != nil {
		return s.createRunError(run, err)
	}
	return nil
}

func (s *sqlStore) createRunError(run *Run, err error) error {
	if s.d.isUniqueViolation(err) {
		return runConflict(run)
	}
	return storeError("create run", err)
}

func runConflict(run *Run) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already has a running run", run.WorkflowID).
		WithRunID(run.RunID).
		WithDetails(map[string]any{"workflow_id": run.WorkflowID})
}

func (s *sqlStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", runID)
	}
	return run, err
}

func (s *sqlStore) LatestRun(ctx context.Context, workflowID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM runs WHERE workflow_id = ?
		 ORDER BY (status = 'running') DESC, created_at DESC LIMIT 1`), workflowID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", workflowID)
	}
	return run, err
}

func (s *sqlStore) CloseRun(ctx context.Context, runID string, update RunClose) error {
	if !update.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot close run with status %q", update.Status).WithRunID(runID)
	}
	errJSON, err := marshalFailure(update.Error)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE runs SET status = ?, result = ?, error = ?, updated_at = ?, closed_at = ?
		 WHERE run_id = ? AND status = 'running'`),
		string(update.Status), nullRaw(update.Result), errJSON, now, now, runID,
	)
	if err != nil {
		return storeError("close run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("close run", err)
	}
	if n > 0 {
		return nil
	}
	existing, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return alreadyClosed(existing, update.Status)
}

// alreadyClosed makes CloseRun idempotent for the same terminal status.
func alreadyClosed(run *Run, status schema.RunStatus) error {
	if run.Status == status {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run already %s, cannot become %s", run.Status, status).WithRunID(run.RunID)
}

func (s *sqlStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkflowType != "" {
		query += ` AND workflow_type = ?`
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate runs", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		input, result, errJSON, parent sql.NullString
		status                         string
		timeout                        int64
		closedAt                       sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.WorkflowID, &run.WorkflowType, &input, &status, &result, &errJSON,
		&timeout, &parent, &run.CreatedAt, &run.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("scan run", err)
	}
	run.Input = rawOrNil(input)
	run.Status = schema.RunStatus(status)
	run.Result = rawOrNil(result)
	run.ExecutionTimeout = time.Duration(timeout)
	run.ParentRunID = parent.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		run.ClosedAt = &t
	}
	if errJSON.Valid && errJSON.String != "" {
		run.Error = &schema.Failure{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, storeError("decode run error", err)
		}
	}
	return run, nil
}

func marshalFailure(f *schema.Failure) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, storeError("encode run error", err)
	}
	return string(b), nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
