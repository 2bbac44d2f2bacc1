package loop

import (
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/background"
	"github.com/kandev/agentrun/internal/run/event"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/tool"
	"github.com/kandev/agentrun/internal/run/types"
)

// execState is the mutable state threaded through one run attempt's
// phase table. It is never shared across runs; the Run Loop owns the Run
// Record and Run Context exclusively for the duration of the run
// (spec.md §3 "Ownership").
type execState struct {
	deps  Deps
	agent *agent.Agent
	log   *logger.Logger

	runID     string
	sessionID string
	userID    string
	input     types.RunInput
	options   types.RunOptions

	callerContext *types.RunContext

	run     *types.RunRecord
	rc      *types.RunContext
	session *types.SessionRecord

	preloadedSession bool
	isContinuation   bool
	updatedTools     []types.ToolExecutionRecord
	requirements     []types.RunRequirement

	startedAt time.Time
	attempt   int

	bg       *background.Set
	pipeline *event.Pipeline
	tools    []tool.Spec
	messages []types.Message

	// lastResponse holds the most recent model invocation's buffered
	// result, whether produced directly by Backend.Respond or assembled
	// from a RespondStream event sequence.
	lastResponse model.Response

	sink event.Sink
}

func newFreshState(deps Deps, p Params) *execState {
	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &execState{
		deps:             deps,
		agent:            p.Agent,
		log:              deps.logger().WithRunID(runID).WithSessionID(p.SessionID),
		runID:            runID,
		sessionID:        p.SessionID,
		userID:           p.UserID,
		input:            p.Input,
		options:          p.Options,
		callerContext:    p.RunContext,
		preloadedSession: p.PreloadedSession != nil,
		session:          p.PreloadedSession,
		sink:             p.Sink,
	}
}

func newContinuationState(deps Deps, p ContinueParams, run *types.RunRecord) *execState {
	return &execState{
		deps:           deps,
		agent:          p.Agent,
		log:            deps.logger().WithRunID(run.RunID).WithSessionID(run.SessionID),
		runID:          run.RunID,
		sessionID:      run.SessionID,
		userID:         run.UserID,
		options:        p.Options,
		callerContext:  p.RunContext,
		isContinuation: true,
		updatedTools:   p.UpdatedTools,
		requirements:   p.Requirements,
		run:            run,
		sink:           p.Sink,
	}
}
