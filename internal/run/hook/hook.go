// Package hook defines the pre/post-hook contract (spec.md §4, phases 4
// and 17): external collaborators that may emit lifecycle events and may
// mutate the run input (pre-hooks) or validate the run output
// (post-hooks), including rejecting it with a terminal, non-retried
// validation error.
package hook

import (
	"context"

	"github.com/kandev/agentrun/internal/run/types"
)

// Result carries whatever events a hook produced while running. Both
// pre- and post-hooks are consumed identically by the Run Loop: every
// event is appended to the run record (subject to the skip-set) and, in
// streaming mode, forwarded to the caller.
type Result struct {
	Events []types.Event
}

// PreHook may mutate rc.RunID's associated run input (via the pointer it
// receives) and must return apperrors.InputValidationError to reject the
// run input — a terminal, non-retried condition.
type PreHook func(ctx context.Context, rc *types.RunContext, input *types.RunInput) (Result, error)

// PostHook may inspect (but per spec.md §4.7 "event pipeline purity" must
// not mutate) the assembled run's tools/content/messages; it returns
// apperrors.OutputValidationError to reject the run output.
type PostHook func(ctx context.Context, rc *types.RunContext, run *types.RunRecord) (Result, error)

// RunPreHooks runs each hook in order, accumulating events and applying
// input mutations in sequence. Stops and returns the error of the first
// hook that fails (spec.md §4.8 phase 4: "Consume all events").
func RunPreHooks(ctx context.Context, hooks []PreHook, rc *types.RunContext, input *types.RunInput) ([]types.Event, error) {
	var events []types.Event
	for _, h := range hooks {
		res, err := h(ctx, rc, input)
		events = append(events, res.Events...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// RunPostHooks runs each hook in order against the assembled run record.
func RunPostHooks(ctx context.Context, hooks []PostHook, rc *types.RunContext, run *types.RunRecord) ([]types.Event, error) {
	var events []types.Event
	for _, h := range hooks {
		res, err := h(ctx, rc, run)
		events = append(events, res.Events...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}
