package loop

import (
	"context"
	"fmt"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/types"
)

// resumeContext rebuilds the Run Context a continuation needs, since a
// continuation never runs refreshMetadataAndState (spec.md §4.8
// "Continuation loop" re-enters at tool selection): session state and
// metadata are recovered from the paused Run Record itself (both persist
// across pause/resume on RunRecord, unlike Dependencies, which a
// continuation caller must resupply via its own RunContext if it needs
// them).
func (s *execState) resumeContext(ctx context.Context) error {
	rc := &types.RunContext{
		RunID:        s.runID,
		SessionID:    s.sessionID,
		UserID:       s.userID,
		SessionState: map[string]any{},
		Dependencies: map[string]types.DependencyEntry{},
		Metadata:     map[string]any{},
	}
	if s.run != nil {
		for k, v := range s.run.SessionState {
			rc.SessionState[k] = v
		}
		for k, v := range s.run.Metadata {
			rc.Metadata[k] = v
		}
	}
	s.rc = options.ApplyContext(rc, s.callerContext)
	return nil
}

// applyUpdatedTools substitutes each updated tool-execution record into
// run.Tools in place, matched by CallID (spec.md §4.8 "Continuation
// loop", §9 "Pause/resume across process boundaries": "match by
// tool-call id, substitute in place; a missing id is an error").
func applyUpdatedTools(run *types.RunRecord, updated []types.ToolExecutionRecord) error {
	for _, u := range updated {
		found := false
		for i := range run.Tools {
			if run.Tools[i].CallID == u.CallID {
				run.Tools[i] = u
				found = true
				break
			}
		}
		if !found {
			return apperrors.BadRequest(fmt.Sprintf("continue_run: no tool record with call_id %q on run %q", u.CallID, run.RunID))
		}
	}
	return nil
}

// prepareContinuation re-applies the caller-supplied updated tool records
// or requirements onto the paused run before phase 5 (tool selection) is
// re-entered, and resets the run to running.
func prepareContinuation(run *types.RunRecord, updatedTools []types.ToolExecutionRecord, requirements []types.RunRequirement) error {
	if len(updatedTools) > 0 {
		if err := applyUpdatedTools(run, updatedTools); err != nil {
			return err
		}
	}
	if requirements != nil {
		run.Requirements = requirements
	}
	run.Status = types.RunStatusRunning
	return nil
}

// ContinueBuffered resumes a paused run and executes it to completion,
// returning the final run record. p.Run must be the full paused run
// record (the Dispatcher resolves a bare RunID to one via the session
// store before calling into this package).
func ContinueBuffered(ctx context.Context, deps Deps, p ContinueParams) (*types.RunRecord, error) {
	p.Options.Stream = false
	run := p.Run
	if err := prepareContinuation(run, p.UpdatedTools, p.Requirements); err != nil {
		return run, err
	}

	s, err := runWithRetry(ctx, deps, func(attempt int) *execState {
		st := newContinuationState(deps, p, run)
		st.attempt = attempt
		return st
	}, func(s *execState) []phaseStep { return s.continuationPhases() })
	return s.run, filterTerminalErr(err)
}

// ContinueStreamed resumes a paused run, forwarding lifecycle events to
// p.Sink. The returned channel is closed once the run reaches a terminal
// state.
func ContinueStreamed(ctx context.Context, deps Deps, p ContinueParams) <-chan types.Event {
	out := make(chan types.Event, 16)
	p.Options.Stream = true
	p.Sink = func(ev types.Event) { out <- ev }

	run := p.Run
	if err := prepareContinuation(run, p.UpdatedTools, p.Requirements); err != nil {
		go func() {
			defer close(out)
			out <- types.Event{Type: types.EventRunError, RunID: run.RunID, Content: err.Error()}
		}()
		return out
	}

	go func() {
		defer close(out)
		_, _ = runWithRetry(ctx, deps, func(attempt int) *execState {
			st := newContinuationState(deps, p, run)
			st.attempt = attempt
			return st
		}, func(s *execState) []phaseStep { return s.continuationPhases() })
	}()

	return out
}
