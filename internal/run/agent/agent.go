// Package agent defines the static, per-agent configuration the
// Dispatcher and Run Loop read defaults from: model identifiers, the
// agent's tool providers, hook chain, background-task toggles, retry
// policy, event skip-set, and output/parser model wiring (spec.md §4.3,
// §4.6, §4.7, §6).
//
// The orchestrator treats "agent" purely as configuration plus behavior
// interfaces it is handed — it never constructs or owns an agent's
// prompt content, matching spec.md §1's explicit non-goal.
package agent

import (
	"encoding/json"
	"time"

	"github.com/kandev/agentrun/internal/run/background"
	"github.com/kandev/agentrun/internal/run/hook"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/tool"
	"github.com/kandev/agentrun/internal/run/types"
)

// RetryPolicy configures the Run Loop's retry-with-backoff wrapper
// (spec.md §4.8 "Retry policy").
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	// (so MaxAttempts == 1 means "no retries", matching the spec's
	// "default zero additional attempts").
	MaxAttempts int
	Delay       time.Duration
	Exponential bool
}

// Attempts returns p with MaxAttempts normalized to at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackgroundTaskToggles gates the (at most three) enrichment workers
// launched per run (spec.md §4.2).
type BackgroundTaskToggles struct {
	MemoryExtraction            bool
	CulturalKnowledgeExtraction bool
	LearningExtraction          bool
}

// Any reports whether at least one background task is enabled.
func (t BackgroundTaskToggles) Any() bool {
	return t.MemoryExtraction || t.CulturalKnowledgeExtraction || t.LearningExtraction
}

// ScrubPolicy configures Cleanup & Store's retention step (spec.md §4.9
// step 1; supplemented from original_source/'s three independent scrub
// toggles, see SPEC_FULL.md).
type ScrubPolicy struct {
	DropMedia             bool
	DropToolResultBodies  bool
	DropHistoryMessages   bool
}

// Agent is the static configuration and behavior surface for a single
// agent definition, passed by reference into every Dispatcher call.
type Agent struct {
	AgentID   string
	Name      string

	ModelID       string
	ModelProvider string
	Model         model.Backend

	// OutputModel, when non-nil, is re-invoked on the primary response to
	// produce a structured variant (spec.md §4.6 step 2).
	OutputModel model.Backend
	// ParserModel, when non-nil, parses free-form content into
	// OutputSchema (spec.md §4.6 step 3).
	ParserModel  model.Backend
	OutputSchema json.RawMessage

	// SummaryModel, when non-nil, is invoked at the end of a successful
	// run to refresh the session's rolling summary (optional; a nil
	// SummaryModel makes the session-summary phase a no-op).
	SummaryModel model.Backend

	Tools *tool.Selector

	PreHooks  []hook.PreHook
	PostHooks []hook.PostHook

	// Defaults supplies the lowest-precedence tier of Run Options
	// resolution (spec.md §4.3).
	Defaults types.RunOptions

	BackgroundTasks BackgroundTaskToggles
	Retry           RetryPolicy
	Scrub           ScrubPolicy

	// MemoryWorker/CulturalKnowledgeWorker/LearningWorker are the (up to
	// three) background enrichment workers, each gated by the matching
	// BackgroundTasks toggle (spec.md §4.2). They receive the run's built
	// message sequence by reference and must not mutate it.
	MemoryWorker            background.Worker
	CulturalKnowledgeWorker background.Worker
	LearningWorker          background.Worker

	// SkipEvents is consulted by the Event Pipeline before append/yield
	// (spec.md §4.7).
	SkipEvents map[types.EventType]bool

	// ArtifactPathTemplate, when non-empty, enables the optional artifact
	// file write in Cleanup & Store step 4. Supports {name}, {session_id},
	// {user_id}, {message}, {run_id} substitutions (spec.md §6).
	ArtifactPathTemplate string

	// SessionStoreConfigured distinguishes "has a real database-backed
	// session store" from "in-memory only", used by the Dispatcher's
	// background-spawn validation (spec.md §8 scenario 6: "background=true
	// without a configured DB raises a validation error").
	SessionStoreConfigured bool
}

// ShouldSkip reports whether et is in the agent's configured skip-set.
func (a *Agent) ShouldSkip(et types.EventType) bool {
	if a == nil || a.SkipEvents == nil {
		return false
	}
	return a.SkipEvents[et]
}
