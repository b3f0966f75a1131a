package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/internal/engine"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	Engine // embed for unimplemented methods

	mu        sync.Mutex
	starts    []engine.StartRequest
	startErr  error
	final     *store.Run
	awaitErr  error
	blockWait bool
	runs      map[string]*store.Run
	events    []*schema.Event
	signals   []string
	payloads  []json.RawMessage
	queryOut  json.RawMessage
	cancelled []string
	callbacks []engine.OpenCallback
	replies   map[string]json.RawMessage
	replyErr  error
	filters   []store.RunFilter
}

func newMockEngine() *mockEngine {
	return &mockEngine{runs: make(map[string]*store.Run), replies: make(map[string]json.RawMessage)}
}

func (m *mockEngine) Start(_ context.Context, req engine.StartRequest) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	wfID := req.WorkflowID
	if wfID == "" {
		wfID = "run-1"
	}
	return &store.Run{RunID: "run-1", WorkflowID: wfID, WorkflowType: req.WorkflowType, Input: req.Input, Status: schema.RunStatusRunning}, nil
}

func (m *mockEngine) Await(ctx context.Context, _ string) (*store.Run, error) {
	if m.blockWait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.final, m.awaitErr
}

func (m *mockEngine) Describe(_ context.Context, runID string) (*store.Run, error) {
	if r, ok := m.runs[runID]; ok {
		return r, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "run not found").WithRunID(runID)
}

func (m *mockEngine) History(ctx context.Context, runID string) ([]*schema.Event, error) {
	if _, err := m.Describe(ctx, runID); err != nil {
		return nil, err
	}
	return m.events, nil
}

func (m *mockEngine) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.filters = append(m.filters, filter)
	var out []*store.Run
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockEngine) Signal(_ context.Context, runID, name string, payload json.RawMessage) error {
	if _, ok := m.runs[runID]; !ok {
		return schema.NewError(schema.ErrCodeNotFound, "run not found")
	}
	m.signals = append(m.signals, name)
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockEngine) Query(_ context.Context, _, name string, args json.RawMessage) (json.RawMessage, error) {
	if name == "missing" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no query handler %q", name)
	}
	m.payloads = append(m.payloads, args)
	return m.queryOut, nil
}

func (m *mockEngine) Cancel(_ context.Context, runID, _ string) error {
	m.cancelled = append(m.cancelled, runID)
	return nil
}

func (m *mockEngine) ListCallbacks(_ context.Context, filter engine.CallbackFilter) ([]engine.OpenCallback, error) {
	var out []engine.OpenCallback
	for _, cb := range m.callbacks {
		if filter.RunID != "" && cb.RunID != filter.RunID {
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}

func (m *mockEngine) Reply(_ context.Context, correlationID string, payload json.RawMessage) error {
	if m.replyErr != nil {
		return m.replyErr
	}
	m.replies[correlationID] = payload
	return nil
}

// --- Helpers ---

func newTestServer(eng Engine) *Server {
	return NewServer(ServerDeps{Engine: eng, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, s *Server, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.mcpServer.GetTool(toolName)
	require.NotNil(t, tool, "tool %s", toolName)
	result, err := tool.Handler(context.Background(), buildRequest(toolName, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func completed(result string) *store.Run {
	return &store.Run{RunID: "run-1", Status: schema.RunStatusCompleted, Result: json.RawMessage(result)}
}

// --- Domain tools ---

func TestGetAlertsTool(t *testing.T) {
	eng := newMockEngine()
	eng.final = completed(`"No active alerts for this state."`)
	s := newTestServer(eng)

	result := callTool(t, s, "weather.get_alerts", map[string]any{"state": "CA"})
	assert.False(t, result.IsError)
	assert.Equal(t, "No active alerts for this state.", extractText(t, result))

	require.Len(t, eng.starts, 1)
	assert.Equal(t, "GetAlerts", eng.starts[0].WorkflowType)
	assert.JSONEq(t, `{"state":"CA"}`, string(eng.starts[0].Input))
}

func TestGetForecastTool(t *testing.T) {
	eng := newMockEngine()
	eng.final = completed(`"Tonight:\nTemperature: 50°F"`)
	s := newTestServer(eng)

	result := callTool(t, s, "weather.get_forecast", map[string]any{"latitude": 37.77, "longitude": -122.42})
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "Temperature: 50°F")
	assert.JSONEq(t, `{"latitude":37.77,"longitude":-122.42}`, string(eng.starts[0].Input))
}

func TestGetLatestStoriesTool_Input(t *testing.T) {
	tests := []struct {
		name  string
		args  map[string]any
		input string
	}{
		{"defaults", map[string]any{}, ""},
		{"all options", map[string]any{"query": "rust", "max_stories": float64(3), "summarize": false}, `{"query":"rust","max_stories":3,"summarize":false}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := newMockEngine()
			eng.final = completed(`[{"id":"1","title":"A"}]`)
			s := newTestServer(eng)

			result := callTool(t, s, "hackernews.get_latest_stories", tc.args)
			assert.False(t, result.IsError)
			assert.JSONEq(t, `[{"id":"1","title":"A"}]`, extractText(t, result))

			require.Len(t, eng.starts, 1)
			assert.Equal(t, "GetLatestStories", eng.starts[0].WorkflowType)
			if tc.input == "" {
				assert.Nil(t, eng.starts[0].Input)
			} else {
				assert.JSONEq(t, tc.input, string(eng.starts[0].Input))
			}
		})
	}
}

func TestDomainTool_WaitExpiresWithRunID(t *testing.T) {
	eng := newMockEngine()
	eng.blockWait = true
	s := newTestServer(eng)

	start := time.Now()
	result := callTool(t, s, "hackernews.get_latest_stories", map[string]any{"wait_seconds": 0.05})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, "running", out["status"])
	assert.Contains(t, out["message"], "callback.reply")
}

func TestDomainTool_ZeroWaitReturnsImmediately(t *testing.T) {
	eng := newMockEngine()
	eng.blockWait = true
	s := newTestServer(eng)

	result := callTool(t, s, "weather.get_alerts", map[string]any{"state": "ny", "wait_seconds": 0})
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "running", out["status"])
}

func TestDomainTool_FailedRun(t *testing.T) {
	eng := newMockEngine()
	eng.final = &store.Run{RunID: "run-1", Status: schema.RunStatusFailed, Error: &schema.Failure{Kind: "http_status", Message: "404 Not Found"}}
	s := newTestServer(eng)

	result := callTool(t, s, "weather.get_alerts", map[string]any{"state": "CA"})
	assert.True(t, result.IsError)
	assert.Equal(t, "workflow run-1 failed: 404 Not Found", extractText(t, result))
}

func TestDomainTool_StartRejected(t *testing.T) {
	eng := newMockEngine()
	eng.startErr = schema.NewError(schema.ErrCodeValidation, "input does not match schema")
	s := newTestServer(eng)

	result := callTool(t, s, "weather.get_alerts", map[string]any{"state": "California"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "VALIDATION_ERROR")
}

func TestNewsAgentStartTool(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng)

	result := callTool(t, s, "news_agent.start", map[string]any{"every_seconds": float64(60), "query": "go"})
	assert.False(t, result.IsError)

	var run store.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, "news-agent", run.WorkflowID)
	assert.Equal(t, schema.RunStatusRunning, run.Status)

	require.Len(t, eng.starts, 1)
	assert.Equal(t, "AmbientNewsAgent", eng.starts[0].WorkflowType)
	assert.JSONEq(t, `{"every_seconds":60,"query":"go"}`, string(eng.starts[0].Input))
}

// --- Engine tools ---

func TestStartTool(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.start", map[string]any{
		"workflow_type":             "GetAlerts",
		"workflow_id":               "alerts-ca",
		"input":                     map[string]any{"state": "CA"},
		"execution_timeout_seconds": float64(90),
	})
	assert.False(t, result.IsError)

	require.Len(t, eng.starts, 1)
	req := eng.starts[0]
	assert.Equal(t, "alerts-ca", req.WorkflowID)
	assert.Equal(t, 90*time.Second, req.ExecutionTimeout)
	assert.JSONEq(t, `{"state":"CA"}`, string(req.Input))
}

func TestStatusTool(t *testing.T) {
	eng := newMockEngine()
	eng.runs["run-7"] = &store.Run{RunID: "run-7", WorkflowType: "GetAlerts", Status: schema.RunStatusCompleted}
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.status", map[string]any{"run_id": "run-7"})
	var run store.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	result = callTool(t, s, "workflow.status", map[string]any{"run_id": "nope"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestListTool(t *testing.T) {
	eng := newMockEngine()
	eng.runs["run-7"] = &store.Run{RunID: "run-7", Status: schema.RunStatusRunning}
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.list", map[string]any{"status": "running", "workflow_type": "GetAlerts"})
	var out struct {
		Runs  []store.Run `json:"runs"`
		Count int         `json:"count"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1, out.Count)

	require.Len(t, eng.filters, 1)
	assert.Equal(t, store.RunFilter{WorkflowType: "GetAlerts", Status: schema.RunStatusRunning, Limit: defaultListLimit}, eng.filters[0])
}

func TestHistoryTool(t *testing.T) {
	eng := newMockEngine()
	eng.runs["run-7"] = &store.Run{RunID: "run-7"}
	started, err := schema.NewEvent(schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{WorkflowType: "GetAlerts"})
	require.NoError(t, err)
	started.RunID, started.Sequence = "run-7", 1
	eng.events = []*schema.Event{started}
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.history", map[string]any{"run_id": "run-7"})
	var out struct {
		Events []schema.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, schema.EventWorkflowStarted, out.Events[0].Type)
}

func TestSignalTool(t *testing.T) {
	eng := newMockEngine()
	eng.runs["run-7"] = &store.Run{RunID: "run-7"}
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.signal", map[string]any{"run_id": "run-7", "name": "stop", "payload": map[string]any{"why": "done"}})
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"stop"}, eng.signals)
	assert.JSONEq(t, `{"why":"done"}`, string(eng.payloads[0]))

	result = callTool(t, s, "workflow.signal", map[string]any{"run_id": "run-7", "name": "stop"})
	assert.False(t, result.IsError)
	assert.Nil(t, eng.payloads[1])

	result = callTool(t, s, "workflow.signal", map[string]any{"run_id": "ghost", "name": "stop"})
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	eng := newMockEngine()
	eng.queryOut = json.RawMessage(`[{"story_id":"1","content_preview":"abc"},{"story_id":"2","content_preview":"def"}]`)
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.query", map[string]any{"run_id": "run-1", "name": "content_preview"})
	assert.JSONEq(t, string(eng.queryOut), extractText(t, result))

	result = callTool(t, s, "workflow.query", map[string]any{"run_id": "run-1", "name": "content_preview", "jq": "[.[].story_id]"})
	assert.False(t, result.IsError)
	assert.JSONEq(t, `["1","2"]`, extractText(t, result))

	result = callTool(t, s, "workflow.query", map[string]any{"run_id": "run-1", "name": "content_preview", "jq": "[.[] | "})
	assert.True(t, result.IsError)

	result = callTool(t, s, "workflow.query", map[string]any{"run_id": "run-1", "name": "missing"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestCancelTool(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng)

	result := callTool(t, s, "workflow.cancel", map[string]any{"run_id": "run-9", "reason": "no longer needed"})
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"run-9"}, eng.cancelled)
}

func TestCallbackListTool(t *testing.T) {
	eng := newMockEngine()
	eng.callbacks = []engine.OpenCallback{
		{CorrelationID: "run-1:summary-1", RunID: "run-1", Key: "summary-1", RequestPayload: json.RawMessage(`{"story_id":"1"}`)},
		{CorrelationID: "run-2:approval", RunID: "run-2", Key: "approval"},
	}
	s := newTestServer(eng)

	result := callTool(t, s, "callback.list", map[string]any{"run_id": "run-1"})
	var out struct {
		Callbacks []engine.OpenCallback `json:"callbacks"`
		Count     int                   `json:"count"`
	}
	unmarshalResult(t, result, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "run-1:summary-1", out.Callbacks[0].CorrelationID)
	assert.JSONEq(t, `{"story_id":"1"}`, string(out.Callbacks[0].RequestPayload))

	result = callTool(t, s, "callback.list", map[string]any{"run_id": "run-3"})
	unmarshalResult(t, result, &out)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Callbacks)
}

func TestCallbackReplyTool(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng)

	result := callTool(t, s, "callback.reply", map[string]any{"correlation_id": "run-1:summary-1", "reply_payload": "A short summary."})
	assert.False(t, result.IsError)
	assert.JSONEq(t, `"A short summary."`, string(eng.replies["run-1:summary-1"]))

	callTool(t, s, "callback.reply", map[string]any{"correlation_id": "run-1:summary-2", "reply_payload": `{"summary":"json"}`})
	assert.JSONEq(t, `{"summary":"json"}`, string(eng.replies["run-1:summary-2"]))

	eng.replyErr = schema.NewError(schema.ErrCodeUnknownCorrelation, "no open callback")
	result = callTool(t, s, "callback.reply", map[string]any{"correlation_id": "run-1:gone", "reply_payload": "late"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "UNKNOWN_CORRELATION")
}

func TestToolsMissingParams(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"weather.get_alerts", map[string]any{}, "state is required"},
		{"weather.get_forecast", map[string]any{"latitude": 1.0}, "longitude is required"},
		{"workflow.start", map[string]any{}, "workflow_type is required"},
		{"workflow.status", map[string]any{}, "run_id is required"},
		{"workflow.history", map[string]any{}, "run_id is required"},
		{"workflow.signal", map[string]any{"run_id": "r"}, "name is required"},
		{"workflow.query", map[string]any{"run_id": "r"}, "name is required"},
		{"workflow.cancel", map[string]any{}, "run_id is required"},
		{"callback.reply", map[string]any{"correlation_id": "r:k"}, "reply_payload is required"},
	}

	s := newTestServer(newMockEngine())
	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			result := callTool(t, s, tc.tool, tc.args)
			assert.True(t, result.IsError)
			assert.True(t, strings.Contains(extractText(t, result), tc.want), extractText(t, result))
		})
	}
}
