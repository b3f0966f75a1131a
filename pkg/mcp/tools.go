package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/duratool/internal/engine"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/workflows"
	"github.com/rendis/duratool/pkg/schema"
)

const (
	defaultListLimit   = 50
	defaultAgentID     = "news-agent"
	stillRunningNotice = "The workflow is still running. Check it with workflow.status or workflow.query, and answer pending requests with callback.reply."
)

// --- Domain tools ---

// handleGetAlerts runs GetAlerts and waits for the formatted alerts.
func (s *Server) handleGetAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := req.RequireString("state")
	if err != nil {
		return mcp.NewToolResultError("state is required"), nil
	}
	return s.startAndWait(ctx, req, workflows.TypeGetAlerts, "", map[string]any{"state": state})
}

// handleGetForecast runs GetForecast and waits for the formatted periods.
func (s *Server) handleGetForecast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lat, err := req.RequireFloat("latitude")
	if err != nil {
		return mcp.NewToolResultError("latitude is required"), nil
	}
	lon, err := req.RequireFloat("longitude")
	if err != nil {
		return mcp.NewToolResultError("longitude is required"), nil
	}
	return s.startAndWait(ctx, req, workflows.TypeGetForecast, "", map[string]any{"latitude": lat, "longitude": lon})
}

// handleGetLatestStories runs GetLatestStories. With summaries on, the run
// asks this session for each summary through callback requests.
func (s *Server) handleGetLatestStories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input := map[string]any{}
	if q := req.GetString("query", ""); q != "" {
		input["query"] = q
	}
	if _, ok := args["max_stories"]; ok {
		input["max_stories"] = req.GetInt("max_stories", 0)
	}
	if _, ok := args["summarize"]; ok {
		input["summarize"] = req.GetBool("summarize", true)
	}
	return s.startAndWait(ctx, req, workflows.TypeGetLatestStories, "", input)
}

// handleNewsAgentStart starts the long-running news agent and returns at once.
func (s *Server) handleNewsAgentStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input := map[string]any{}
	if _, ok := args["every_seconds"]; ok {
		input["every_seconds"] = req.GetFloat("every_seconds", 0)
	}
	if _, ok := args["iterations_per_run"]; ok {
		input["iterations_per_run"] = req.GetInt("iterations_per_run", 0)
	}
	if q := req.GetString("query", ""); q != "" {
		input["query"] = q
	}

	run, err := s.start(ctx, workflows.TypeAmbientNewsAgent, req.GetString("workflow_id", defaultAgentID), input, 0)
	if err != nil {
		return toolError("start news agent", err), nil
	}
	return marshalResult(run)
}

// --- Engine tools ---

// handleStart starts any registered workflow type.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowType, err := req.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("workflow_type is required"), nil
	}
	timeout := time.Duration(req.GetFloat("execution_timeout_seconds", 0) * float64(time.Second))
	run, err := s.start(ctx, workflowType, req.GetString("workflow_id", ""), mcp.ParseStringMap(req, "input", nil), timeout)
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(run)
}

// handleStatus returns a run's status view.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.engine.Describe(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(run)
}

// handleList lists runs matching the filter.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID:   req.GetString("workflow_id", ""),
		WorkflowType: req.GetString("workflow_type", ""),
		Status:       schema.RunStatus(req.GetString("status", "")),
		Limit:        req.GetInt("limit", defaultListLimit),
	}
	runs, err := s.engine.ListRuns(ctx, filter)
	if err != nil {
		return toolError("list failed", err), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// handleHistory returns a run's event log.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	events, err := s.engine.History(ctx, runID)
	if err != nil {
		return toolError("history query failed", err), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "events": events})
}

// handleSignal appends a named signal to a run.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload, err := objectArg(req, "payload")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	if err := s.engine.Signal(ctx, runID, name, payload); err != nil {
		return toolError("signal failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"signal": name,
	})
}

// handleQuery answers a workflow query, optionally projected with jq.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	args, err := objectArg(req, "args")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid args: %v", err)), nil
	}

	result, err := s.engine.Query(ctx, runID, name, args)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if program := req.GetString("jq", ""); program != "" {
		if result, err = s.jq.EvaluateJSON(ctx, program, result); err != nil {
			return toolError("jq projection failed", err), nil
		}
	}
	return mcp.NewToolResultText(string(result)), nil
}

// handleCancel requests cancellation of a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, runID, req.GetString("reason", "")); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleCallbackList lists open callback requests.
func (s *Server) handleCallbackList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	open, err := s.engine.ListCallbacks(ctx, engine.CallbackFilter{
		RunID:      req.GetString("run_id", ""),
		WorkflowID: req.GetString("workflow_id", ""),
	})
	if err != nil {
		return toolError("callback list failed", err), nil
	}
	if open == nil {
		open = []engine.OpenCallback{}
	}
	return marshalResult(map[string]any{"callbacks": open, "count": len(open)})
}

// handleCallbackReply answers an open callback request.
func (s *Server) handleCallbackReply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}
	reply, err := req.RequireString("reply_payload")
	if err != nil {
		return mcp.NewToolResultError("reply_payload is required"), nil
	}

	payload := json.RawMessage(reply)
	if !json.Valid(payload) {
		if payload, err = json.Marshal(reply); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid reply_payload: %v", err)), nil
		}
	}
	if err := s.engine.Reply(ctx, correlationID, payload); err != nil {
		return toolError("reply failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "correlation_id": correlationID})
}

// --- Helpers ---

// start starts a workflow and records the calling session as its owner.
func (s *Server) start(ctx context.Context, workflowType, workflowID string, input map[string]any, timeout time.Duration) (*store.Run, error) {
	var raw json.RawMessage
	if len(input) > 0 {
		b, err := json.Marshal(input)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
		}
		raw = b
	}
	run, err := s.engine.Start(ctx, engine.StartRequest{
		WorkflowType:     workflowType,
		WorkflowID:       workflowID,
		Input:            raw,
		ExecutionTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	s.captureSession(ctx, run.WorkflowID)
	return run, nil
}

// startAndWait starts a workflow and waits up to wait_seconds for its result.
// When the wait runs out the run keeps going and its ids are returned.
func (s *Server) startAndWait(ctx context.Context, req mcp.CallToolRequest, workflowType, workflowID string, input map[string]any) (*mcp.CallToolResult, error) {
	run, err := s.start(ctx, workflowType, workflowID, input, 0)
	if err != nil {
		return toolError("start failed", err), nil
	}

	wait := s.wait
	if secs := req.GetFloat("wait_seconds", -1); secs >= 0 {
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait == 0 {
		return stillRunning(run)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	final, err := s.engine.Await(waitCtx, run.RunID)
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return stillRunning(run)
	case err != nil:
		return toolError("workflow wait failed", err), nil
	}
	return runOutcome(final), nil
}

func stillRunning(run *store.Run) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"run_id":      run.RunID,
		"workflow_id": run.WorkflowID,
		"status":      schema.RunStatusRunning,
		"message":     stillRunningNotice,
	})
}

// runOutcome renders a closed run. A string result is returned as plain text.
func runOutcome(run *store.Run) *mcp.CallToolResult {
	if run.Status != schema.RunStatusCompleted {
		msg := fmt.Sprintf("workflow %s %s", run.RunID, run.Status)
		if run.Error != nil {
			msg += ": " + run.Error.Message
		}
		return mcp.NewToolResultError(msg)
	}
	var text string
	if err := json.Unmarshal(run.Result, &text); err == nil {
		return mcp.NewToolResultText(text)
	}
	return mcp.NewToolResultText(string(run.Result))
}

// objectArg re-encodes an object argument, or returns nil when it is absent.
func objectArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// captureSession records the calling session as the owner of workflowID.
func (s *Server) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// toolError renders an engine error as a tool error result.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
