// Package v1 is the thin HTTP surface over the Dispatcher (spec.md §6:
// "CLI/env surface. Not part of the core contract; the dispatcher is
// called by thin framework wrappers"). It owns request/response JSON
// shapes and routing only; every actual decision is the Dispatcher's.
//
// Grounded on the teacher's internal/orchestrator/api package: requests.go
// holds the wire structs, handlers.go the gin.HandlerFuncs, router.go the
// route table.
package v1

import (
	"encoding/json"

	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/types"
)

// RunRequest is the POST /runs request body.
type RunRequest struct {
	AgentID   string         `json:"agent_id" binding:"required"`
	Input     types.RunInput `json:"input"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`

	SessionState     map[string]any  `json:"session_state,omitempty"`
	KnowledgeFilters map[string]any  `json:"knowledge_filters,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`

	Overrides options.Overrides `json:"overrides,omitempty"`
	DebugMode bool              `json:"debug_mode,omitempty"`
}

// ContinueRunRequest is the POST /runs/:runID/continue request body.
// Exactly one of UpdatedTools or Requirements must be set.
type ContinueRunRequest struct {
	SessionID    string                      `json:"session_id" binding:"required"`
	UpdatedTools []types.ToolExecutionRecord `json:"updated_tools,omitempty"`
	Requirements []types.RunRequirement      `json:"requirements,omitempty"`

	KnowledgeFilters map[string]any `json:"knowledge_filters,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	Overrides options.Overrides `json:"overrides,omitempty"`
	DebugMode bool              `json:"debug_mode,omitempty"`
}

// CancelRunResponse is the POST /runs/:runID/cancel response body.
type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}
