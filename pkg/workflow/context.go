package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// Func is a workflow implementation. It must be deterministic: every side effect,
// wait and clock read goes through ctx.
type Func func(ctx *Context, input json.RawMessage) (any, error)

// QueryHandler answers a read-only query against replayed workflow state.
type QueryHandler func(args json.RawMessage) (any, error)

// ActivityOptions configure one activity invocation.
type ActivityOptions struct {
	// RetryPolicy defaults to schema.DefaultRetryPolicy when nil.
	RetryPolicy         *schema.RetryPolicy
	StartToCloseTimeout time.Duration
}

// CallbackOptions configure one callback exchange.
type CallbackOptions struct {
	// Key makes the correlation id stable and readable. It defaults to a sequence number.
	Key string
	// Timeout of zero waits forever.
	Timeout time.Duration
}

// Info identifies the running workflow.
type Info struct {
	RunID        string
	WorkflowID   string
	WorkflowType string
}

// Context is handed to workflow code and is the only way it may interact with the
// outside world.
type Context struct {
	r *replayer
}

func (c *Context) Info() Info {
	return Info{RunID: c.r.runID, WorkflowID: c.r.started.WorkflowID, WorkflowType: c.r.started.WorkflowType}
}

// Now returns the replay clock: the timestamp of the most recent event that woke
// the workflow.
func (c *Context) Now() time.Time { return c.r.now }

// IsReplaying reports whether the code is re-executing recorded history.
func (c *Context) IsReplaying() bool { return c.r.replaying }

// Logger returns a logger that stays silent while replaying.
func (c *Context) Logger() *slog.Logger { return c.r.logger }

// ExecuteActivity schedules the named activity. The future yields its result, or an
// *ActivityError once the retry policy gives up.
func (c *Context) ExecuteActivity(name string, input any, opts ActivityOptions) Future {
	r := c.r
	id := fmt.Sprintf("activity-%d", r.activitySeq)
	r.activitySeq++

	raw, err := marshalPayload(input)
	if err != nil {
		return r.resolvedFuture(nil, fmt.Errorf("activity %s input: %w", name, err))
	}
	policy := schema.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = opts.RetryPolicy.WithDefaults()
	}
	r.issue(schema.EventActivityScheduled, schema.ActivityScheduledAttributes{
		ActivityID:          id,
		Name:                name,
		Input:               raw,
		RetryPolicy:         policy,
		StartToCloseTimeout: opts.StartToCloseTimeout,
	})
	f := r.newFuture()
	r.activities[id] = &pendingActivity{future: f, name: name}
	return f
}

// NewTimer returns a future that resolves once d has elapsed on the durable clock.
func (c *Context) NewTimer(d time.Duration) Future {
	r := c.r
	if d <= 0 {
		return r.resolvedFuture(nil, nil)
	}
	id := r.nextTimerID()
	r.issue(schema.EventTimerStarted, schema.TimerStartedAttributes{TimerID: id, Duration: d, FireAt: r.now.Add(d)})
	f := r.newFuture()
	r.timers[id] = f
	return f
}

// Sleep blocks the coroutine for d on the durable clock.
func (c *Context) Sleep(d time.Duration) error {
	return c.NewTimer(d).Get(nil)
}

// RequestCallback opens a callback exchange with the external caller. The future
// yields the reply payload, or ErrNoAnswer if opts.Timeout elapses first.
func (c *Context) RequestCallback(payload any, opts CallbackOptions) Future {
	r := c.r
	key := opts.Key
	if key == "" {
		key = fmt.Sprintf("callback-%d", r.callbackSeq)
	}
	r.callbackSeq++
	corr := CorrelationID(r.runID, key)
	if _, dup := r.callbacks[corr]; dup {
		return r.resolvedFuture(nil, fmt.Errorf("callback key %q already used in this run", key))
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return r.resolvedFuture(nil, fmt.Errorf("callback %s payload: %w", key, err))
	}
	var timerID string
	if opts.Timeout > 0 {
		timerID = r.nextTimerID()
	}
	r.issue(schema.EventCallbackRequested, schema.CallbackRequestedAttributes{
		CorrelationID: corr, Payload: raw, TimeoutTimerID: timerID,
	})
	if timerID != "" {
		r.issue(schema.EventTimerStarted, schema.TimerStartedAttributes{
			TimerID: timerID, Duration: opts.Timeout, FireAt: r.now.Add(opts.Timeout),
		})
		r.callbackTimers[timerID] = corr
	}
	f := r.newFuture()
	r.callbacks[corr] = f
	return f
}

// GetSignal returns a future for the next signal with this name. The k-th call
// for a name receives the k-th such signal.
func (c *Context) GetSignal(name string) Future {
	r := c.r
	ch := r.signal(name)
	f := r.newFuture()
	if len(ch.buffered) > 0 {
		f.resolve(ch.buffered[0], nil)
		ch.buffered = ch.buffered[1:]
		return f
	}
	ch.waiters = append(ch.waiters, f)
	return f
}

// Go starts fn as a new workflow coroutine. Coroutines run one at a time in a
// deterministic order.
func (c *Context) Go(fn func(ctx *Context)) {
	r := c.r
	name := fmt.Sprintf("coroutine-%d", len(r.d.coroutines))
	r.d.spawn(name, func() { fn(c) })
}

// Await blocks until cond holds. cond must only read workflow state.
func (c *Context) Await(cond func() bool) {
	c.r.d.await(cond)
}

// SetQueryHandler registers a handler answered by Engine.Query.
func (c *Context) SetQueryHandler(name string, h QueryHandler) {
	c.r.queries[name] = h
}

// CorrelationID builds the id of a callback exchange. The run id prefix lets a
// reply be routed without any other index.
func CorrelationID(runID, key string) string {
	return runID + ":" + key
}

// ParseCorrelationID splits a correlation id into run id and key.
func ParseCorrelationID(corr string) (runID, key string, ok bool) {
	runID, key, ok = strings.Cut(corr, ":")
	if !ok || runID == "" || key == "" {
		return "", "", false
	}
	return runID, key, true
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// replayHandler drops records while the workflow is replaying.
type replayHandler struct {
	slog.Handler
	r *replayer
}

func (h replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.r.replaying && h.Handler.Enabled(ctx, level)
}

func (h replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return replayHandler{Handler: h.Handler.WithAttrs(attrs), r: h.r}
}

func (h replayHandler) WithGroup(name string) slog.Handler {
	return replayHandler{Handler: h.Handler.WithGroup(name), r: h.r}
}
