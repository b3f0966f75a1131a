package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// Options tune a replay.
type Options struct {
	// Logger receives workflow log records emitted outside of replay.
	Logger *slog.Logger
}

// Result is the outcome of replaying a run's history through its workflow code.
type Result struct {
	// Commands are the new command events to append after the replayed history.
	Commands []*schema.Event
	// Status is the run status once Commands are appended.
	Status schema.RunStatus
	// Closed reports that the history already ends the run; replay was pure.
	Closed bool
	// LastSequence is the sequence of the last replayed event.
	LastSequence int64

	queries map[string]QueryHandler
}

// Query answers a registered query handler against the replayed state.
func (r *Result) Query(name string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := r.queries[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "query %q not registered", name).
			WithDetails(map[string]any{"known": slices.Sorted(maps.Keys(r.queries))})
	}
	v, err := h(args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode query %s result: %w", name, err)
	}
	return raw, nil
}

// QueryNames lists the query handlers the workflow registered.
func (r *Result) QueryNames() []string {
	return slices.Sorted(maps.Keys(r.queries))
}

// Replay re-executes fn against history and returns the commands it issues past
// the end of the log. A command that differs from what history recorded yields a
// NON_DETERMINISTIC error and no commands.
func Replay(ctx context.Context, fn Func, history []*schema.Event, opts Options) (*Result, error) {
	if len(history) == 0 || history[0].Type != schema.EventWorkflowStarted {
		return nil, schema.NewError(schema.ErrCodeValidation, "history must begin with workflow_started")
	}
	r := &replayer{
		runID:          history[0].RunID,
		history:        history,
		activities:     make(map[string]*pendingActivity),
		timers:         make(map[string]*future),
		callbacks:      make(map[string]*future),
		callbackTimers: make(map[string]string),
		signals:        make(map[string]*signalChannel),
		queries:        make(map[string]QueryHandler),
	}
	if err := history[0].Decode(&r.started); err != nil {
		return nil, err
	}
	base := opts.Logger
	if base == nil {
		base = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.logger = slog.New(replayHandler{Handler: base.Handler(), r: r}).With(
		"run_id", r.runID, "workflow_id", r.started.WorkflowID, "workflow_type", r.started.WorkflowType,
	)
	defer r.d.close()
	return r.replay(ctx, fn)
}

type pendingActivity struct {
	*future
	name string
}

type signalChannel struct {
	buffered []json.RawMessage
	waiters  []*future
}

// replayer holds the in-memory workflow state derived from one history.
type replayer struct {
	runID   string
	started schema.WorkflowStartedAttributes
	history []*schema.Event
	logger  *slog.Logger
	d       dispatcher

	now       time.Time
	replaying bool
	resolved  int64

	activitySeq int
	timerSeq    int
	callbackSeq int

	activities     map[string]*pendingActivity
	timers         map[string]*future
	callbacks      map[string]*future
	callbackTimers map[string]string // timer id -> correlation id
	signals        map[string]*signalChannel
	queries        map[string]QueryHandler

	// pending holds issued commands not yet matched against history.
	pending   []*schema.Event
	issueErr  error
	mainDone  bool
	cancelled bool
	cancelMsg string
}

func (r *replayer) replay(ctx context.Context, fn Func) (*Result, error) {
	wctx := &Context{r: r}
	r.d.spawn("main", func() {
		out, err := fn(wctx, r.started.Input)
		r.finish(out, err)
	})

	// Code woken by an event is replaying whenever later events were already recorded.
	r.now = r.history[0].Timestamp
	r.replaying = len(r.history) > 1
	if err := r.drive(); err != nil {
		return nil, err
	}

	// inBatch is set while walking a run of recorded commands. Each run was
	// appended in one piece, so leaving it with commands unmatched means the
	// code now issues more than it did.
	inBatch := false
	for i := 1; i < len(r.history); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := r.history[i]

		if schema.IsCommandEvent(e.Type) {
			inBatch = true
			if r.cancelled {
				continue
			}
			if err := r.match(e); err != nil {
				return nil, err
			}
			if schema.IsTerminalEvent(e.Type) {
				return r.closed(e), nil
			}
			continue
		}

		switch e.Type {
		case schema.EventWorkflowCancelled, schema.EventWorkflowTimedOut:
			return r.closed(e), nil
		}
		if inBatch && !r.cancelled {
			if err := r.unmatched(e); err != nil {
				return nil, err
			}
		}
		inBatch = false
		if r.cancelled || r.mainDone {
			continue
		}

		r.now = e.Timestamp
		r.replaying = i < len(r.history)-1
		if err := r.apply(e); err != nil {
			return nil, err
		}
		if r.cancelled {
			r.pending = nil
			continue
		}
		if err := r.drive(); err != nil {
			return nil, err
		}
	}

	return r.suspended(), nil
}

// drive runs workflow code until every coroutine is blocked or the main one returned.
func (r *replayer) drive() error {
	if r.mainDone {
		return nil
	}
	if p := r.d.runUntilBlocked(func() bool { return r.mainDone || r.issueErr != nil }); p != nil {
		r.logger.Error("workflow code panicked", "panic", p.value, "stack", p.stack)
		r.finish(nil, p)
	}
	return r.issueErr
}

// finish issues the terminal command for the main function's outcome.
func (r *replayer) finish(out any, err error) {
	if r.mainDone {
		return
	}
	r.mainDone = true

	var can *ContinueAsNewError
	switch {
	case errors.As(err, &can):
		r.issue(schema.EventWorkflowContinuedAsNew, schema.WorkflowContinuedAsNewAttributes{Input: can.Input})
	case err != nil:
		f := failureOf(err)
		var p *panicError
		if errors.As(err, &p) {
			f.Kind = "panic"
		}
		r.issue(schema.EventWorkflowFailed, schema.WorkflowFailedAttributes{Error: f})
	default:
		raw, merr := marshalPayload(out)
		if merr != nil {
			r.issue(schema.EventWorkflowFailed, schema.WorkflowFailedAttributes{
				Error: schema.Failure{Kind: "result_encoding", Message: merr.Error()},
			})
			return
		}
		r.issue(schema.EventWorkflowCompleted, schema.WorkflowCompletedAttributes{Result: raw})
	}
}

func (r *replayer) issue(eventType string, attrs any) {
	e, err := schema.NewEvent(eventType, attrs)
	if err != nil {
		r.issueErr = err
		return
	}
	r.pending = append(r.pending, e)
}

func (r *replayer) nextTimerID() string {
	id := fmt.Sprintf("timer-%d", r.timerSeq)
	r.timerSeq++
	return id
}

func (r *replayer) signal(name string) *signalChannel {
	ch, ok := r.signals[name]
	if !ok {
		ch = &signalChannel{}
		r.signals[name] = ch
	}
	return ch
}

// match checks a recorded command against the oldest command the code issued.
func (r *replayer) match(recorded *schema.Event) error {
	want, err := commandIdentity(recorded)
	if err != nil {
		return err
	}
	if len(r.pending) == 0 {
		r.logger.Error("determinism violation", "sequence", recorded.Sequence, "recorded", want, "issued", "nothing")
		return nonDeterministic(r.runID, recorded.Sequence,
			"history recorded %s at sequence %d but workflow code issued no command", want, recorded.Sequence)
	}
	got, err := commandIdentity(r.pending[0])
	if err != nil {
		return err
	}
	if got != want {
		r.logger.Error("determinism violation", "sequence", recorded.Sequence, "recorded", want, "issued", got)
		return nonDeterministic(r.runID, recorded.Sequence,
			"history recorded %s at sequence %d but workflow code issued %s", want, recorded.Sequence, got)
	}
	r.pending = r.pending[1:]
	return nil
}

// unmatched fails when commands issued before next were never recorded.
func (r *replayer) unmatched(next *schema.Event) error {
	if len(r.pending) == 0 {
		return nil
	}
	got, err := commandIdentity(r.pending[0])
	if err != nil {
		return err
	}
	r.logger.Error("determinism violation", "sequence", next.Sequence, "recorded", next.Type, "issued", got)
	return nonDeterministic(r.runID, next.Sequence,
		"workflow code issued %s but history recorded %s at sequence %d", got, next.Type, next.Sequence)
}

// commandIdentity is what must stay equal between the original run and a replay.
func commandIdentity(e *schema.Event) (string, error) {
	switch e.Type {
	case schema.EventActivityScheduled:
		var a schema.ActivityScheduledAttributes
		if err := e.Decode(&a); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(%s %s)", e.Type, a.ActivityID, a.Name), nil
	case schema.EventTimerStarted:
		var a schema.TimerStartedAttributes
		if err := e.Decode(&a); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(%s)", e.Type, a.TimerID), nil
	case schema.EventCallbackRequested:
		var a schema.CallbackRequestedAttributes
		if err := e.Decode(&a); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(%s)", e.Type, a.CorrelationID), nil
	}
	return e.Type, nil
}

// apply feeds one non-command event into workflow state.
func (r *replayer) apply(e *schema.Event) error {
	switch e.Type {
	case schema.EventActivityCompleted:
		var a schema.ActivityCompletedAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		if act, ok := r.activities[a.ActivityID]; ok {
			act.resolve(a.Result, nil)
		}
	case schema.EventActivityFailed:
		var a schema.ActivityFailedAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		if act, ok := r.activities[a.ActivityID]; ok {
			act.resolve(nil, &ActivityError{
				ActivityID: a.ActivityID, Name: act.name, Kind: a.Error.Kind, Message: a.Error.Message, Attempts: a.Attempts,
			})
		}
	case schema.EventTimerFired:
		var a schema.TimerFiredAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		if corr, ok := r.callbackTimers[a.TimerID]; ok {
			if f := r.callbacks[corr]; f != nil {
				f.resolve(nil, ErrNoAnswer)
			}
		} else if f, ok := r.timers[a.TimerID]; ok {
			f.resolve(nil, nil)
		}
	case schema.EventCallbackReceived:
		var a schema.CallbackReceivedAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		if f := r.callbacks[a.CorrelationID]; f != nil {
			f.resolve(a.Payload, nil)
		}
	case schema.EventSignalReceived:
		var a schema.SignalReceivedAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		ch := r.signal(a.Name)
		if len(ch.waiters) > 0 {
			ch.waiters[0].resolve(a.Payload, nil)
			ch.waiters = ch.waiters[1:]
		} else {
			ch.buffered = append(ch.buffered, a.Payload)
		}
	case schema.EventWorkflowCancelRequested:
		var a schema.WorkflowCancelRequestedAttributes
		if err := e.Decode(&a); err != nil {
			return err
		}
		r.cancelled = true
		r.cancelMsg = a.Reason
	}
	return nil
}

func (r *replayer) closed(terminal *schema.Event) *Result {
	status, _ := schema.StatusForTerminalEvent(terminal.Type)
	return &Result{
		Status:       status,
		Closed:       true,
		LastSequence: r.history[len(r.history)-1].Sequence,
		queries:      r.queries,
	}
}

func (r *replayer) suspended() *Result {
	res := &Result{
		Status:       schema.RunStatusRunning,
		LastSequence: r.history[len(r.history)-1].Sequence,
		queries:      r.queries,
	}
	if r.cancelled {
		e, _ := schema.NewEvent(schema.EventWorkflowCancelled, schema.WorkflowCancelledAttributes{Reason: r.cancelMsg})
		res.Commands = []*schema.Event{e}
		res.Status = schema.RunStatusCancelled
		return res
	}
	res.Commands = r.pending
	for _, c := range r.pending {
		if status, ok := schema.StatusForTerminalEvent(c.Type); ok {
			res.Status = status
		}
	}
	return res
}
