package workflows

import (
	"encoding/json"
	"time"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/workflow"
)

const (
	defaultAgentEverySeconds = 300
	defaultIterationsPerRun  = 12
	defaultAgentTool         = "hackernews.get_latest_stories"
	agentActivityTimeout     = 2 * time.Minute

	// StopSignal ends an AmbientNewsAgent run after its current step.
	StopSignal = "stop"
)

// AgentInput is the start input of AmbientNewsAgent. Iterations and
// LatestMarkdown carry state across continue-as-new.
type AgentInput struct {
	EverySeconds     float64 `json:"every_seconds,omitempty"`
	IterationsPerRun int     `json:"iterations_per_run,omitempty"`
	Query            string  `json:"query,omitempty"`
	Tool             string  `json:"tool,omitempty"`
	Iterations       int     `json:"iterations,omitempty"`
	LatestMarkdown   string  `json:"latest_markdown,omitempty"`
}

func (in AgentInput) withDefaults() AgentInput {
	if in.EverySeconds <= 0 {
		in.EverySeconds = defaultAgentEverySeconds
	}
	if in.IterationsPerRun <= 0 {
		in.IterationsPerRun = defaultIterationsPerRun
	}
	if in.Tool == "" {
		in.Tool = defaultAgentTool
	}
	return in
}

// AgentResult is returned when the agent is stopped.
type AgentResult struct {
	Iterations     int    `json:"iterations"`
	LatestMarkdown string `json:"latest_markdown"`
}

// AmbientNewsAgent repeatedly calls an MCP tool for the latest stories, renders
// them as markdown and sleeps. It continues as new every IterationsPerRun
// iterations and completes when it receives the stop signal.
func AmbientNewsAgent(ctx *workflow.Context, input json.RawMessage) (any, error) {
	var in AgentInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	in = in.withDefaults()
	every := time.Duration(in.EverySeconds * float64(time.Second))

	ctx.SetQueryHandler("latest_markdown", func(json.RawMessage) (any, error) { return in.LatestMarkdown, nil })
	ctx.SetQueryHandler("iterations", func(json.RawMessage) (any, error) { return in.Iterations, nil })

	stop := ctx.GetSignal(StopSignal)
	stopped := func() (any, error) {
		return AgentResult{Iterations: in.Iterations, LatestMarkdown: in.LatestMarkdown}, nil
	}

	for i := 0; i < in.IterationsPerRun; i++ {
		if stop.IsReady() {
			return stopped()
		}
		md, err := refreshDigest(ctx, in)
		if err != nil {
			return nil, err
		}
		in.LatestMarkdown = md
		in.Iterations++
		ctx.Logger().Info("news digest refreshed", "iterations", in.Iterations)

		ctx.Select(ctx.NewTimer(every), stop)
		if stop.IsReady() {
			return stopped()
		}
	}
	return nil, workflow.NewContinueAsNewError(in)
}

func refreshDigest(ctx *workflow.Context, in AgentInput) (string, error) {
	args := map[string]any{"summarize": false}
	if in.Query != "" {
		args["query"] = in.Query
	}
	var call activities.MCPCallToolOutput
	if err := ctx.ExecuteActivity("mcp.call_tool", activities.MCPCallToolInput{Tool: in.Tool, Arguments: args}, activityOptions(agentActivityTimeout)).Get(&call); err != nil {
		return "", err
	}
	var md activities.RenderMarkdownOutput
	if err := ctx.ExecuteActivity("markdown.render", activities.RenderMarkdownInput{Stories: call.Result}, activityOptions(agentActivityTimeout)).Get(&md); err != nil {
		return "", err
	}
	return md.Markdown, nil
}
