package loop

import (
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/event"
	"github.com/kandev/agentrun/internal/run/types"
)

// Params is the fully-resolved input to a fresh run (RunOptions and the
// merged RunContext are expected to already have gone through
// internal/run/options.Resolve / .ApplyContext — the Run Loop itself does
// not re-derive precedence, it only consumes the result).
type Params struct {
	Agent            *agent.Agent
	RunID            string // generated if empty
	SessionID        string
	UserID           string
	Input            types.RunInput
	Options          types.RunOptions
	RunContext       *types.RunContext // caller-merged context, may be nil
	PreloadedSession *types.SessionRecord
	Sink             event.Sink // nil for buffered runs
}

// ContinueParams is the input to the continuation loop (spec.md §4.8
// "Continuation loop").  Exactly one of Run or RunID must be set; when
// RunID is set, exactly one of UpdatedTools or Requirements must be set.
type ContinueParams struct {
	Agent        *agent.Agent
	Run          *types.RunRecord
	RunID        string
	SessionID    string
	UpdatedTools []types.ToolExecutionRecord
	Requirements []types.RunRequirement
	Options      types.RunOptions
	RunContext   *types.RunContext
	Sink         event.Sink
}
