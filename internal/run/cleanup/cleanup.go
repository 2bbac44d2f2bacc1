// Package cleanup implements Cleanup & Store (spec.md §4.9): the seven
// ordered steps every terminal run path (completed, paused, cancelled,
// error) flows through exactly once before returning or yielding to the
// caller.
//
// Grounded on the teacher's lifecycle.Manager shutdown sequencing (a
// fixed ordered list of independent steps run to completion regardless of
// which one failed, logging and continuing rather than aborting the
// sequence), applied here to a single run's terminal bookkeeping instead
// of process shutdown.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/metrics"
	"github.com/kandev/agentrun/internal/run/session"
	"github.com/kandev/agentrun/internal/run/types"
)

// ScrubPolicy configures step 1's retention flags (supplemented from
// original_source/'s three independent scrub toggles; see SPEC_FULL.md).
type ScrubPolicy struct {
	DropMedia            bool
	DropToolResultBodies bool
	DropHistoryMessages  bool
}

// Input bundles everything a single Cleanup & Store invocation needs. It
// intentionally does not take the Run Loop's internal execution state
// directly, so this package stays free of a dependency on internal/run/loop.
type Input struct {
	Run          *types.RunRecord
	Session      *types.SessionRecord
	SessionState map[string]any
	StartedAt    time.Time
	Scrub        ScrubPolicy
	// ArtifactPathTemplate, when non-empty, enables step 4's file write.
	// Supports {name}, {session_id}, {user_id}, {message}, {run_id}.
	ArtifactPathTemplate string
	AgentName            string
	Logger               *logger.Logger
}

// Run executes the seven numbered steps of spec.md §4.9, in order, as a
// single non-interruptible sequence: it does not consult the Cancellation
// Registry, and a failure in one step is logged and does not abort the
// remaining steps (spec.md §4.9 is a best-effort finalization path, not a
// transaction).
func Run(ctx context.Context, store session.Store, in Input) error {
	log := in.Logger
	if log == nil {
		log = logger.Default()
	}

	// Step 1: scrub.
	scrub(in.Run, in.Scrub)

	// Step 2: stop the run-duration timer.
	if !in.StartedAt.IsZero() {
		in.Run.Metrics.Duration = time.Since(in.StartedAt)
	}

	// Step 3: sync session state onto both the run record and the
	// session's session_data.session_state.
	if in.SessionState != nil {
		in.Run.SessionState = in.SessionState
		if in.Session != nil {
			if in.Session.SessionData == nil {
				in.Session.SessionData = make(map[string]any)
			}
			in.Session.SessionData["session_state"] = in.SessionState
		}
	}

	// Step 4: optional artifact file write.
	if in.ArtifactPathTemplate != "" {
		if err := writeArtifact(in.ArtifactPathTemplate, artifactVars{
			Name:      in.AgentName,
			SessionID: in.Run.SessionID,
			UserID:    in.Run.UserID,
			Message:   in.Run.Input.Text,
			RunID:     in.Run.RunID,
		}, in.Run.Content); err != nil {
			log.Warn("cleanup: artifact write failed", zap.String("run_id", in.Run.RunID), zap.Error(err))
		}
	}

	// Step 5: upsert the run into the session's ordered run sequence.
	if in.Session != nil {
		in.Session.UpsertRun(*in.Run)
	}

	// Step 6: update session metrics.
	metrics.Observe(in.Run.Status, in.Run.Metrics)

	// Step 7: persist the session.
	if store != nil && in.Session != nil {
		if err := store.Upsert(ctx, in.Session); err != nil {
			log.Error("cleanup: session persist failed", zap.String("run_id", in.Run.RunID), zap.Error(err))
			return err
		}
	}

	return nil
}

// scrub applies the three independent retention flags in place, matching
// original_source/'s scrub_run_output_for_storage rather than one blanket
// toggle.
func scrub(run *types.RunRecord, policy ScrubPolicy) {
	if policy.DropMedia {
		run.Input.Audio = nil
		run.Input.Images = nil
		run.Input.Videos = nil
		run.Input.Files = nil
	}
	if policy.DropToolResultBodies {
		for i := range run.Tools {
			run.Tools[i].Result = nil
		}
	}
	if policy.DropHistoryMessages {
		run.Messages = nil
	}
}
