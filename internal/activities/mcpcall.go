package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPServerConfig describes an MCP server reached over stdio.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// MCPDialer opens a ready-to-initialize MCP client.
type MCPDialer func(ctx context.Context) (client.MCPClient, error)

// StdioDialer launches cfg.Command as a subprocess speaking MCP over stdio.
func StdioDialer(cfg MCPServerConfig) MCPDialer {
	return func(ctx context.Context) (client.MCPClient, error) {
		if cfg.Command == "" {
			return nil, &Error{Kind: KindInvalidInput, Message: "mcp server command is empty"}
		}
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = os.ExpandEnv(a)
		}
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
		}
		c, err := client.NewStdioMCPClient(cfg.Command, env, args...)
		if err != nil {
			return nil, fmt.Errorf("start mcp server %s: %w", cfg.Command, err)
		}
		return c, nil
	}
}

// MCPCallToolInput is the input of mcp.call_tool.
type MCPCallToolInput struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// MCPCallToolOutput is the result of mcp.call_tool. Result holds the text
// content parsed as JSON when possible, else as a JSON string.
type MCPCallToolOutput struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

// MCPCallTool implements "mcp.call_tool": one session per call against a
// configured MCP server.
type MCPCallTool struct {
	dial MCPDialer
}

// NewMCPCallTool creates the activity over dial.
func NewMCPCallTool(dial MCPDialer) *MCPCallTool {
	return &MCPCallTool{dial: dial}
}

func (a *MCPCallTool) Name() string        { return "mcp.call_tool" }
func (a *MCPCallTool) Description() string { return "Call a tool on the configured MCP server." }

func (a *MCPCallTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in MCPCallToolInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	if in.Tool == "" {
		return nil, &Error{Kind: KindInvalidInput, Message: a.Name() + ": tool is required"}
	}

	c, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "duratool", Version: "1.0.0"},
		},
	}); err != nil {
		return nil, fmt.Errorf("%s: initialize: %w", a.Name(), err)
	}

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: in.Tool, Arguments: in.Arguments},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: call %s: %w", a.Name(), in.Tool, err)
	}

	text := toolText(res)
	if res.IsError {
		return nil, &Error{Kind: KindToolError, Message: fmt.Sprintf("%s: %s", in.Tool, text), Retryable: true}
	}

	result := json.RawMessage(text)
	if !json.Valid(result) {
		if result, err = json.Marshal(text); err != nil {
			return nil, err
		}
	}
	return encodeOutput(a.Name(), MCPCallToolOutput{Tool: in.Tool, Result: result})
}

func toolText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
