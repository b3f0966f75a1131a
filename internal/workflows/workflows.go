// Package workflows holds the workflow definitions shipped with duratool.
package workflows

import (
	"encoding/json"
	"time"

	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

// Workflow type names.
const (
	TypeGetAlerts        = "GetAlerts"
	TypeGetForecast      = "GetForecast"
	TypeGetLatestStories = "GetLatestStories"
	TypeAmbientNewsAgent = "AmbientNewsAgent"
)

// retryPolicy is shared by every activity call: unbounded, 2s apart, capped at 1m.
var retryPolicy = schema.RetryPolicy{
	InitialInterval:    2 * time.Second,
	BackoffCoefficient: 1.0,
	MaximumInterval:    time.Minute,
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	p := retryPolicy
	return workflow.ActivityOptions{RetryPolicy: &p, StartToCloseTimeout: timeout}
}

// Definitions returns every built-in workflow definition.
func Definitions() []workflow.Definition {
	return []workflow.Definition{
		{
			Name:        TypeGetAlerts,
			Description: "Active National Weather Service alerts for a US state.",
			Func:        GetAlerts,
			InputSchema: alertsSchema,
		},
		{
			Name:        TypeGetForecast,
			Description: "Five-period National Weather Service forecast for a location.",
			Func:        GetForecast,
			InputSchema: forecastSchema,
		},
		{
			Name:        TypeGetLatestStories,
			Description: "Newest Hacker News stories with content previews and caller-written summaries.",
			Func:        GetLatestStories,
			InputSchema: storiesSchema,
		},
		{
			Name:        TypeAmbientNewsAgent,
			Description: "Periodically fetches the latest stories through an MCP tool and keeps a markdown digest.",
			Func:        AmbientNewsAgent,
			InputSchema: agentSchema,
		},
	}
}

// Register adds every built-in workflow to reg.
func Register(reg *workflow.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// decodeInput unmarshals a start input. An empty input leaves v untouched.
func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode workflow input: %v", err).WithCause(err)
	}
	return nil
}

const alertsSchema = `{
  "type": "object",
  "properties": {
    "state": {"type": "string", "pattern": "^[A-Za-z]{2}$", "description": "Two-letter US state code"}
  },
  "required": ["state"],
  "additionalProperties": false
}`

const forecastSchema = `{
  "type": "object",
  "properties": {
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180}
  },
  "required": ["latitude", "longitude"],
  "additionalProperties": false
}`

const storiesSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "max_stories": {"type": "integer", "minimum": 1, "maximum": 100},
    "summarize": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const agentSchema = `{
  "type": "object",
  "properties": {
    "every_seconds": {"type": "number", "exclusiveMinimum": 0},
    "iterations_per_run": {"type": "integer", "minimum": 1},
    "query": {"type": "string"},
    "tool": {"type": "string", "minLength": 1},
    "iterations": {"type": "integer", "minimum": 0},
    "latest_markdown": {"type": "string"}
  },
  "additionalProperties": false
}`
