package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/duratool/internal/engine"
	"github.com/rendis/duratool/internal/expressions"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/pkg/schema"
)

// DefaultWait bounds how long a domain tool waits for its workflow result.
const DefaultWait = 2 * time.Minute

// Engine is the durable engine surface exposed as MCP tools.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Run, error)
	Await(ctx context.Context, runID string) (*store.Run, error)
	Describe(ctx context.Context, runID string) (*store.Run, error)
	History(ctx context.Context, runID string) ([]*schema.Event, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	Signal(ctx context.Context, runID, name string, payload json.RawMessage) error
	Query(ctx context.Context, runID, name string, args json.RawMessage) (json.RawMessage, error)
	Cancel(ctx context.Context, runID, reason string) error
	ListCallbacks(ctx context.Context, filter engine.CallbackFilter) ([]engine.OpenCallback, error)
	Reply(ctx context.Context, correlationID string, payload json.RawMessage) error
}

// ServerDeps holds the dependencies for creating a Server. Wait overrides
// DefaultWait for domain tools.
type ServerDeps struct {
	Engine  Engine
	Hub     streaming.EventHub
	Logger  *slog.Logger
	Version string
	Wait    time.Duration
}

// Server wraps an MCP server with duratool tool handlers.
type Server struct {
	engine    Engine
	hub       streaming.EventHub
	jq        *expressions.JQ
	logger    *slog.Logger
	wait      time.Duration
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every domain and engine tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	wait := deps.Wait
	if wait <= 0 {
		wait = DefaultWait
	}

	s := &Server{
		engine:   deps.Engine,
		hub:      deps.Hub,
		jq:       expressions.NewJQ(),
		logger:   logger,
		wait:     wait,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"duratool",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Duratool runs durable workflows. Domain tools (weather.*, hackernews.*, news_agent.start) start a workflow and wait for its result. "+
			"workflow.* tools inspect and steer runs. When a run asks for input you receive a notification; "+
			"answer it with callback.reply, or find pending requests with callback.list."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, logger)
	return s
}

// ServeStdio serves the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stop := s.watchCallbacks(ctx)
	defer stop()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	stop := s.watchCallbacks(ctx)
	defer stop()

	httpSrv := server.NewStreamableHTTPServer(s.mcpServer, server.WithHeartbeatInterval(30*time.Second))
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp http transport listening", slog.String("addr", addr))
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// watchCallbacks forwards callback requests to connected sessions until ctx
// ends or the returned stop function is called.
func (s *Server) watchCallbacks(ctx context.Context) func() {
	if s.hub == nil {
		return func() {}
	}
	stop, err := s.notifier.Start(ctx, s.hub)
	if err != nil {
		s.logger.Warn("callback notifications disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return stop
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: getAlertsTool(), Handler: s.handleGetAlerts},
		{Tool: getForecastTool(), Handler: s.handleGetForecast},
		{Tool: getLatestStoriesTool(), Handler: s.handleGetLatestStories},
		{Tool: newsAgentStartTool(), Handler: s.handleNewsAgentStart},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: callbackListTool(), Handler: s.handleCallbackList},
		{Tool: callbackReplyTool(), Handler: s.handleCallbackReply},
	}
}

// --- Tool definitions ---

func waitOption() mcp.ToolOption {
	return mcp.WithNumber("wait_seconds", mcp.Min(0), mcp.Description("How long to wait for the result before returning the run id (default: 120)"))
}

func getAlertsTool() mcp.Tool {
	return mcp.NewTool("weather.get_alerts",
		mcp.WithDescription("Get active weather alerts for a US state"),
		mcp.WithString("state", mcp.Required(), mcp.Pattern("^[A-Za-z]{2}$"), mcp.Description("Two-letter US state code (e.g. CA, NY)")),
		waitOption(),
	)
}

func getForecastTool() mcp.Tool {
	return mcp.NewTool("weather.get_forecast",
		mcp.WithDescription("Get the weather forecast for a location"),
		mcp.WithNumber("latitude", mcp.Required(), mcp.Min(-90), mcp.Max(90), mcp.Description("Latitude of the location")),
		mcp.WithNumber("longitude", mcp.Required(), mcp.Min(-180), mcp.Max(180), mcp.Description("Longitude of the location")),
		waitOption(),
	)
}

func getLatestStoriesTool() mcp.Tool {
	return mcp.NewTool("hackernews.get_latest_stories",
		mcp.WithDescription("Get the latest Hacker News stories, optionally asking you to summarize each one"),
		mcp.WithString("query", mcp.Description("Full-text search query")),
		mcp.WithNumber("max_stories", mcp.Min(1), mcp.Max(100), mcp.Description("Maximum number of stories (default: 10)")),
		mcp.WithBoolean("summarize", mcp.Description("Request a summary of each story through callbacks (default: true)")),
		waitOption(),
	)
}

func newsAgentStartTool() mcp.Tool {
	return mcp.NewTool("news_agent.start",
		mcp.WithDescription("Start the ambient news agent, which refreshes a markdown digest of the latest stories"),
		mcp.WithNumber("every_seconds", mcp.Description("Seconds between refreshes (default: 300)")),
		mcp.WithNumber("iterations_per_run", mcp.Min(1), mcp.Description("Refreshes before the run continues as new (default: 12)")),
		mcp.WithString("query", mcp.Description("Full-text search query passed to the stories tool")),
		mcp.WithString("workflow_id", mcp.Description("Workflow id of the agent (default: news-agent)")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a registered workflow type"),
		mcp.WithString("workflow_type", mcp.Required(), mcp.Description("Registered workflow type")),
		mcp.WithString("workflow_id", mcp.Description("Business id; a running run with this id is returned instead of starting another")),
		mcp.WithObject("input", mcp.Description("Workflow input")),
		mcp.WithNumber("execution_timeout_seconds", mcp.Min(0), mcp.Description("Overrides the workflow's execution timeout")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the status of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflow runs"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow id")),
		mcp.WithString("workflow_type", mcp.Description("Filter by workflow type")),
		mcp.WithString("status", mcp.Enum("running", "completed", "failed", "cancelled", "timed_out", "continued_as_new"), mcp.Description("Filter by status")),
		mcp.WithNumber("limit", mcp.Min(1), mcp.Description("Maximum number of runs (default: 50)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("workflow.history",
		mcp.WithDescription("Get the event history of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("workflow.signal",
		mcp.WithDescription("Send a named signal to a running workflow"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Signal name")),
		mcp.WithObject("payload", mcp.Description("Signal payload")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("Query a workflow run's state without changing it"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Query name")),
		mcp.WithObject("args", mcp.Description("Query arguments")),
		mcp.WithString("jq", mcp.Description("jq program applied to the query result")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Request cancellation of a running workflow"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func callbackListTool() mcp.Tool {
	return mcp.NewTool("callback.list",
		mcp.WithDescription("List callback requests waiting for a reply"),
		mcp.WithString("run_id", mcp.Description("Filter by run id")),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow id")),
	)
}

func callbackReplyTool() mcp.Tool {
	return mcp.NewTool("callback.reply",
		mcp.WithDescription("Reply to a callback request"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation id from the request")),
		mcp.WithString("reply_payload", mcp.Required(), mcp.Description("Reply; JSON is passed through, any other text is sent as a string")),
	)
}
