package loop

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentrun/internal/run/types"
)

// spawned is the process-scoped set of in-flight background-spawned runs.
// The design note in spec.md §9 ("Strong references to detached tasks")
// requires the background-spawn variant to retain a strong reference to
// its task so a runtime with reference-counted task handles cannot
// garbage-collect it mid-flight. Go's goroutines are never
// reference-counted and need no such anchor to keep running, but the set
// is still useful as the orchestrator's own bookkeeping of "what is
// currently spawned" (e.g. for a future drain-on-shutdown hook), so it is
// kept for parity with the source design rather than purely for
// correctness.
var spawned sync.Map // map[string]context.CancelFunc

// RunBackground implements the background-spawn variant (spec.md §4.8,
// §5 "Background-spawn variant"): it persists a pending run synchronously,
// returns immediately with that pending record, and drives the buffered
// run loop to completion in a detached goroutine. Callers poll the
// session store (Deps.Sessions.GetRun) to observe the pending -> running
// -> completed|error transitions; spec.md §9 notes a caller may observe
// pending -> completed without ever observing running, which is
// acceptable.
//
// Validating that background and stream are not both requested, and that
// the agent has a configured session store, is the Dispatcher's job
// (spec.md §8 scenario 6) — by the time a Params reaches this function
// those checks have already passed.
func RunBackground(ctx context.Context, deps Deps, p Params) (*types.RunRecord, error) {
	pinRunID(&p)
	p.Options.Stream = false
	p.Options.Background = true

	now := time.Now().UTC()
	pending := &types.RunRecord{
		RunID:     p.RunID,
		SessionID: p.SessionID,
		AgentID:   p.Agent.AgentID,
		UserID:    p.UserID,
		Status:    types.RunStatusPending,
		Input:     p.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	session, err := deps.Sessions.ReadOrCreate(ctx, p.SessionID, p.UserID)
	if err != nil {
		return nil, err
	}
	session.UpsertRun(*pending)
	if err := deps.Sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}
	p.PreloadedSession = session

	bgCtx, cancel := detachedContext(ctx)
	spawned.Store(p.RunID, cancel)

	go func() {
		defer spawned.Delete(p.RunID)
		defer cancel()
		_, _ = RunBuffered(bgCtx, deps, p)
	}()

	return pending, nil
}

// detachedContext derives a context that carries values from parent (so
// tracing/logging fields survive) but is not cancelled merely because the
// dispatching HTTP/RPC call's context is cancelled when the caller
// disconnects — a background-spawned run outlives its dispatching call by
// definition. The returned CancelFunc is the spawned goroutine's own
// shutdown lever, tracked in the process-scoped `spawned` set.
func detachedContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(parent))
}

// IsSpawned reports whether runID currently has a live background-spawned
// goroutine, for tests and diagnostics.
func IsSpawned(runID string) bool {
	_, ok := spawned.Load(runID)
	return ok
}
