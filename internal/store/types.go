package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// Run is the persisted status view of one workflow execution attempt.
type Run struct {
	RunID            string           `json:"run_id"`
	WorkflowID       string           `json:"workflow_id"`
	WorkflowType     string           `json:"workflow_type"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Status           schema.RunStatus `json:"status"`
	Result           json.RawMessage  `json:"result,omitempty"`
	Error            *schema.Failure  `json:"error,omitempty"`
	ExecutionTimeout time.Duration    `json:"execution_timeout,omitempty"`
	ParentRunID      string           `json:"parent_run_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
}

// RunClose is the terminal outcome written to a run's status view.
type RunClose struct {
	Status schema.RunStatus
	Result json.RawMessage
	Error  *schema.Failure
}

// RunFilter controls which runs ListRuns returns. Zero fields match everything.
type RunFilter struct {
	WorkflowID   string
	WorkflowType string
	Status       schema.RunStatus
	Limit        int
	Offset       int
}

// readPageSize bounds how many events a single backend query returns while reading.
const readPageSize = 256
