package activities

import "github.com/rendis/duratool/internal/expressions"

// BuiltinConfig wires the built-in activities.
type BuiltinConfig struct {
	HTTP HTTPConfig
	// AlgoliaURL overrides DefaultAlgoliaSearchURL.
	AlgoliaURL string
	// MCP dials the server mcp.call_tool talks to. Nil leaves the activity out.
	MCP MCPDialer
	JQ  *expressions.JQ
}

// RegisterBuiltins registers every built-in activity.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	acts := []Activity{
		NewGetJSON(cfg.HTTP),
		NewFetchPage(cfg.HTTP),
		NewHackerNewsSearch(cfg.HTTP, cfg.AlgoliaURL, cfg.JQ),
		HTMLToText{},
		RenderMarkdown{},
	}
	if cfg.MCP != nil {
		acts = append(acts, NewMCPCallTool(cfg.MCP))
	}
	for _, a := range acts {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
