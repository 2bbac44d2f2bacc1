// Package dispatch implements the Dispatcher (spec.md §4, component
// table; §6 "Dispatcher public surface"): the entry point that validates
// inputs, initializes the run context, picks the Run Loop variant
// (buffered/streamed x sync/async/background, or the continuation loop),
// and returns either a final run record, a lazy event channel, or a
// pending handle.
//
// Grounded on the teacher's orchestrator.Service — a thin validating
// front door over executor/queue/streaming (apps/backend/internal/
// orchestrator/service.go) — generalized from "enqueue a task" to
// "dispatch one agent run".
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/loop"
	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/types"
)

// Dispatcher is the orchestrator's public entry point, bound to one set of
// Run Loop dependencies (session store, approval writer, cancellation
// registry, message builder, response assembler, event bus).
type Dispatcher struct {
	deps loop.Deps
	log  *logger.Logger
}

// New constructs a Dispatcher bound to deps.
func New(deps loop.Deps) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{deps: deps, log: log}
}

// RunInput is the full public `run(...)` call surface (spec.md §6).
type RunInput struct {
	Agent      *agent.Agent
	Input      types.RunInput
	UserID     string
	SessionID  string
	RunID      string
	RunContext *types.RunContext

	SessionState     map[string]any
	Dependencies     map[string]types.DependencyEntry
	KnowledgeFilters map[string]any
	Metadata         map[string]any
	OutputSchema     json.RawMessage

	Overrides options.Overrides

	DebugMode bool
}

// ContinueInput is the full public `continue_run(...)` call surface
// (spec.md §6). Exactly one of Run or RunID must be set; when RunID is
// set, exactly one of UpdatedTools or Requirements must be set.
type ContinueInput struct {
	Agent        *agent.Agent
	Run          *types.RunRecord
	RunID        string
	SessionID    string
	UserID       string
	UpdatedTools []types.ToolExecutionRecord
	Requirements []types.RunRequirement
	RunContext   *types.RunContext

	KnowledgeFilters map[string]any
	Dependencies     map[string]types.DependencyEntry
	Metadata         map[string]any

	Overrides options.Overrides
	DebugMode bool
}

// buildContinueRunContext mirrors buildRunContext for the continuation
// entry points.
func buildContinueRunContext(in ContinueInput) *types.RunContext {
	var base types.RunContext
	if in.RunContext != nil {
		base = *in.RunContext
	}
	if in.Dependencies != nil {
		base.Dependencies = in.Dependencies
	}
	if in.KnowledgeFilters != nil {
		base.KnowledgeFilters = in.KnowledgeFilters
	}
	if in.Metadata != nil {
		base.Metadata = in.Metadata
	}
	return &base
}

// validate enforces the spec.md §6/§8 input-level invariants that must
// fail before any work starts (scenario 6: "requesting background=true
// together with stream=true raises a validation error before any work
// starts; requesting background=true without a configured DB raises a
// validation error").
func (in RunInput) validate() error {
	if in.Agent == nil {
		return apperrors.BadRequest("dispatch: agent is required")
	}
	resolved := options.Resolve(in.Overrides, nil, in.Agent)
	if resolved.Background && resolved.Stream {
		return apperrors.BadRequest("dispatch: background and stream cannot both be requested")
	}
	if resolved.Background && !in.Agent.SessionStoreConfigured {
		return apperrors.BadRequest("dispatch: background requires a configured session store")
	}
	return nil
}

// buildRunContext merges the caller's discrete per-call context arguments
// (session_state, dependencies, knowledge_filters, metadata, output_schema)
// onto any caller-supplied RunContext, caller-supplied values winning —
// mirroring options.ApplyContext's "preserving caller-provided values"
// contract one level up, before the Run Loop does its own session-state
// merge in phase 2.
func buildRunContext(in RunInput) *types.RunContext {
	var base types.RunContext
	if in.RunContext != nil {
		base = *in.RunContext
	}
	if in.SessionState != nil {
		base.SessionState = in.SessionState
	}
	if in.Dependencies != nil {
		base.Dependencies = in.Dependencies
	}
	if in.KnowledgeFilters != nil {
		base.KnowledgeFilters = in.KnowledgeFilters
	}
	if in.Metadata != nil {
		base.Metadata = in.Metadata
	}
	if in.OutputSchema != nil {
		base.OutputSchema = in.OutputSchema
	}
	return &base
}

// Run dispatches a fresh run. Buffered and background forms return a
// single RunRecord; a streamed form is available via RunStream. This is
// the "buffered (sync or background)" entry point (spec.md §6 `run(...)`
// with stream unset or false).
func (d *Dispatcher) Run(ctx context.Context, in RunInput) (*types.RunRecord, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	opts := options.Resolve(in.Overrides, nil, in.Agent)
	opts.Stream = false

	p := loop.Params{
		Agent:      in.Agent,
		RunID:      in.RunID,
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		Input:      in.Input,
		Options:    opts,
		RunContext: buildRunContext(in),
	}

	if opts.Background {
		return loop.RunBackground(ctx, d.deps, p)
	}
	return loop.RunBuffered(ctx, d.deps, p)
}

// RunStream dispatches a fresh run in streaming mode, returning a channel
// of lifecycle (and, when StreamEvents is set, intermediate) events. Per
// spec.md §8 scenario 6, background+stream together is rejected by
// validate() before this function does any work.
func (d *Dispatcher) RunStream(ctx context.Context, in RunInput) (<-chan types.Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	opts := options.Resolve(in.Overrides, nil, in.Agent)
	if opts.Background {
		return nil, apperrors.BadRequest("dispatch: background and stream cannot both be requested")
	}
	opts.Stream = true

	p := loop.Params{
		Agent:      in.Agent,
		RunID:      in.RunID,
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		Input:      in.Input,
		Options:    opts,
		RunContext: buildRunContext(in),
	}
	return loop.RunStreamed(ctx, d.deps, p), nil
}

// validate enforces ContinueInput's structural invariants (spec.md §6):
// exactly one of Run/RunID, and with RunID exactly one of
// UpdatedTools/Requirements.
func (in ContinueInput) validate() error {
	if in.Agent == nil {
		return apperrors.BadRequest("dispatch: agent is required")
	}
	if (in.Run == nil) == (in.RunID == "") {
		return apperrors.BadRequest("dispatch: continue_run requires exactly one of run_record or run_id")
	}
	if in.RunID != "" {
		if (in.UpdatedTools == nil) == (in.Requirements == nil) {
			return apperrors.BadRequest("dispatch: continue_run with run_id requires exactly one of updated_tools or requirements")
		}
	}
	return nil
}

// resolveRun loads the full paused run record, either the one supplied
// directly or by looking it up via RunID in the owning session.
func (d *Dispatcher) resolveRun(ctx context.Context, in ContinueInput) (*types.RunRecord, error) {
	if in.Run != nil {
		run := *in.Run
		return &run, nil
	}
	if d.deps.Sessions == nil {
		return nil, apperrors.Unavailable("session store")
	}
	run, err := d.deps.Sessions.GetRun(ctx, in.SessionID, in.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ContinueRun resumes a paused run to completion (or a further pause) and
// returns the final run record.
func (d *Dispatcher) ContinueRun(ctx context.Context, in ContinueInput) (*types.RunRecord, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	run, err := d.resolveRun(ctx, in)
	if err != nil {
		return nil, err
	}

	opts := options.Resolve(in.Overrides, nil, in.Agent)
	opts.Stream = false

	p := loop.ContinueParams{
		Agent:        in.Agent,
		Run:          run,
		RunID:        run.RunID,
		SessionID:    run.SessionID,
		UpdatedTools: in.UpdatedTools,
		Requirements: in.Requirements,
		Options:      opts,
		RunContext:   buildContinueRunContext(in),
	}
	return loop.ContinueBuffered(ctx, d.deps, p)
}

// ContinueRunStream resumes a paused run in streaming mode.
func (d *Dispatcher) ContinueRunStream(ctx context.Context, in ContinueInput) (<-chan types.Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	run, err := d.resolveRun(ctx, in)
	if err != nil {
		return nil, err
	}

	opts := options.Resolve(in.Overrides, nil, in.Agent)
	opts.Stream = true

	p := loop.ContinueParams{
		Agent:        in.Agent,
		Run:          run,
		RunID:        run.RunID,
		SessionID:    run.SessionID,
		UpdatedTools: in.UpdatedTools,
		Requirements: in.Requirements,
		Options:      opts,
		RunContext:   buildContinueRunContext(in),
	}
	return loop.ContinueStreamed(ctx, d.deps, p), nil
}

// CancelRun implements the Cancellation Registry's public surface (spec.md
// §6: "Exposes cancel_run(run_id) and acancel_run(run_id) as the public
// interface to external callers"). Go has no separate async form; context
// cancellation already makes this non-blocking.
func (d *Dispatcher) CancelRun(runID string) bool {
	if d.deps.Cancel == nil {
		return false
	}
	return d.deps.Cancel.Cancel(runID)
}
