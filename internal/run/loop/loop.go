package loop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/cancel"
	"github.com/kandev/agentrun/internal/run/types"
)

// phaseStep names and runs one entry of the run loop's phase table. Named
// so each gets its own OpenTelemetry span and so cancellation checks can
// be inserted at exactly the suspension points spec.md §5 enumerates,
// without duplicating the surrounding driver code per run variant.
type phaseStep struct {
	name string
	run  func(ctx context.Context) error
}

// phases returns the ordered phase table for a fresh run. Continuation
// uses its own table, continuationPhases, which re-enters at selectTools
// (phase 5) after a resumeContext step.
func (s *execState) phases() []phaseStep {
	return []phaseStep{
		{"load_session", s.loadSession},
		{"refresh_metadata_and_state", s.refreshMetadataAndState},
		{"resolve_dependencies", s.resolveDependencies},
		{"pre_hooks", s.runPreHooks},
		{"check_cancelled", s.checkCancelled},
		{"select_tools", s.selectTools},
		{"check_cancelled", s.checkCancelled},
		{"build_messages", s.buildMessages},
		{"launch_background_tasks", s.launchBackgroundTasks},
		{"emit_started", s.emitStarted},
		{"reasoning", s.reasoning},
		{"call_model", s.callModel},
		{"check_cancelled", s.checkCancelled},
		{"assemble_response", s.assembleResponse},
		{"check_pause", s.checkPause},
		{"store_media", s.storeMedia},
		{"convert_structured_format", s.convertStructuredFormat},
		{"post_hooks", s.runPostHooks},
		{"check_cancelled", s.checkCancelled},
		{"join_background_tasks", s.joinBackgroundTasks},
		{"session_summary", s.sessionSummary},
		{"finalize", s.finalize},
		{"cleanup_and_store", s.cleanupPhase},
		{"emit_completed", s.emitCompleted},
	}
}

// continuationPhases is the continuation loop's phase table (spec.md
// §4.8 "Continuation loop"): re-enters at tool selection, never resolves
// dependencies fresh and never runs pre-hooks (runPreHooks is not in
// this table, and it also no-ops on continuation).
func (s *execState) continuationPhases() []phaseStep {
	return []phaseStep{
		{"resume_context", s.resumeContext},
		{"select_tools", s.selectTools},
		{"check_cancelled", s.checkCancelled},
		{"build_messages", s.buildMessages},
		{"launch_background_tasks", s.launchBackgroundTasks},
		{"emit_started", s.emitStarted},
		{"reasoning", s.reasoning},
		{"call_model", s.callModel},
		{"check_cancelled", s.checkCancelled},
		{"assemble_response", s.assembleResponse},
		{"check_pause", s.checkPause},
		{"store_media", s.storeMedia},
		{"convert_structured_format", s.convertStructuredFormat},
		{"post_hooks", s.runPostHooks},
		{"check_cancelled", s.checkCancelled},
		{"join_background_tasks", s.joinBackgroundTasks},
		{"session_summary", s.sessionSummary},
		{"finalize", s.finalize},
		{"cleanup_and_store", s.cleanupPhase},
		{"emit_completed", s.emitCompleted},
	}
}

// runPhases executes steps in order, wrapping each in a trace span when a
// Tracer is configured. It returns the first non-nil error, including the
// sentinels errPaused and cancel's cancellation error, both of which the
// caller (executeAttempt) must recognize as terminal-not-a-failure.
func runPhases(ctx context.Context, s *execState, steps []phaseStep) error {
	for _, step := range steps {
		if s.deps.Tracer == nil {
			if err := step.run(ctx); err != nil {
				return err
			}
			continue
		}

		stepCtx, span := s.deps.Tracer.Start(ctx, "run."+step.name)
		err := step.run(stepCtx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return err
		}
	}
	return nil
}

// executeAttempt runs one full attempt of the phase table (fresh or
// continuation) and centralizes the terminal-outcome handling every
// variant needs: pause (already finalized by checkPause), cancellation,
// validation (always terminal, never retried), and generic errors (left
// for the retry wrapper to classify).
func executeAttempt(ctx context.Context, s *execState, steps []phaseStep) error {
	s.bootstrap()

	if s.deps.Cancel != nil {
		s.deps.Cancel.Register(s.runID)
	}

	err := runPhases(ctx, s, steps)

	switch {
	case err == nil:
		if s.deps.Cancel != nil {
			s.deps.Cancel.Cleanup(s.runID)
		}
		return nil

	case errors.Is(err, errPaused):
		// checkPause already ran Cleanup & Store, wrote the approval, and
		// emitted RunPaused; nothing further to do.
		if s.deps.Cancel != nil {
			s.deps.Cancel.Cleanup(s.runID)
		}
		return nil

	case cancel.IsCancelled(err):
		s.finalizeCancelled(ctx)
		if s.deps.Cancel != nil {
			s.deps.Cancel.Cleanup(s.runID)
		}
		return err

	case apperrors.IsValidation(err):
		s.finalizeError(ctx, err)
		if s.deps.Cancel != nil {
			s.deps.Cancel.Cleanup(s.runID)
		}
		return err

	default:
		// Left unclassified for the retry wrapper: it may re-enter from
		// phase 1 if attempts remain, or finalize as terminal-error on the
		// last attempt. Drain this attempt's background workers now rather
		// than leaving them running until self-completion: a retried
		// attempt builds a fresh execState with its own Set, so this
		// generation's workers would otherwise leak across the retry.
		if s.bg != nil {
			s.bg.CancelAndDrain()
		}
		return err
	}
}

// finalizeCancelled handles the cancellation terminal path: background
// tasks are cancelled and drained (not joined), status is set to
// cancelled, and Cleanup & Store still runs exactly once.
func (s *execState) finalizeCancelled(ctx context.Context) {
	if s.bg != nil {
		s.bg.CancelAndDrain()
	}
	s.run.Status = types.RunStatusCancelled
	s.run.StopReason = types.StopReasonCancelled
	s.run.UpdatedAt = time.Now().UTC()

	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{Type: types.EventRunCancelled, Timestamp: time.Now().UTC()})
	}

	if err := s.cleanupAndStore(ctx); err != nil {
		s.log.Error("loop: cleanup failed on cancellation path", zap.Error(err))
	}
}

// finalizeError handles the terminal-error path: status=error, content
// populated iff empty, Cleanup & Store, then a RunError event in
// streaming mode.
func (s *execState) finalizeError(ctx context.Context, cause error) {
	if s.bg != nil {
		s.bg.CancelAndDrain()
	}
	s.run.Status = types.RunStatusError
	s.run.StopReason = types.StopReasonError
	if s.run.Content == "" {
		s.run.Content = cause.Error()
	}
	s.run.UpdatedAt = time.Now().UTC()

	if err := s.cleanupAndStore(ctx); err != nil {
		s.log.Error("loop: cleanup failed on error path", zap.Error(err))
	}

	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{
			Type:      types.EventRunError,
			Content:   cause.Error(),
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"error": cause.Error()},
		})
	}
}

// runWithRetry wraps executeAttempt with the retry-with-backoff policy
// (spec.md §4.8 "Retry policy"): phases 1-22 are retried on any
// non-cancellation, non-validation error, sleeping
// delay*2^attempt (exponential) or delay (flat) between attempts. The
// final attempt's error is finalized as terminal-error rather than
// propagated bare.
func runWithRetry(ctx context.Context, deps Deps, newAttempt func(attempt int) *execState, stepsFor func(*execState) []phaseStep) (*execState, error) {
	maxAttempts := 1
	var policy = struct {
		delay       time.Duration
		exponential bool
	}{}

	attempts := 0
	for {
		s := newAttempt(attempts)
		if attempts == 0 {
			maxAttempts = s.agent.Retry.Attempts()
			policy.delay = s.agent.Retry.Delay
			policy.exponential = s.agent.Retry.Exponential
		}

		err := executeAttempt(ctx, s, stepsFor(s))
		if err == nil {
			// attempts counts prior failures, so it is exactly how many
			// retries this successful attempt needed.
			s.run.Metrics.RetryCount = attempts
			return s, nil
		}
		if errors.Is(err, errPaused) || cancel.IsCancelled(err) || apperrors.IsValidation(err) {
			return s, err
		}

		attempts++
		if attempts >= maxAttempts {
			s.run.Metrics.RetryCount = attempts - 1
			s.finalizeError(ctx, err)
			if deps.Cancel != nil {
				deps.Cancel.Cleanup(s.runID)
			}
			return s, err
		}

		s.run.Metrics.RetryCount = attempts
		delay := policy.delay
		if policy.exponential {
			delay = delay * time.Duration(1<<uint(attempts-1))
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.finalizeCancelled(ctx)
				if deps.Cancel != nil {
					deps.Cancel.Cleanup(s.runID)
				}
				return s, ctx.Err()
			}
		}
	}
}

// RunBuffered executes a fresh run to completion and returns the final
// run record. No events are forwarded to a caller channel.
func RunBuffered(ctx context.Context, deps Deps, p Params) (*types.RunRecord, error) {
	p.Options.Stream = false
	pinRunID(&p)
	s, err := runWithRetry(ctx, deps, func(attempt int) *execState {
		st := newFreshState(deps, p)
		st.attempt = attempt
		return st
	}, func(s *execState) []phaseStep { return s.phases() })
	return s.run, filterTerminalErr(err)
}

// RunStreamed executes a fresh run, forwarding lifecycle (and, when
// Options.StreamEvents is set, intermediate) events to p.Sink. The
// returned channel is closed once the run reaches a terminal state.
func RunStreamed(ctx context.Context, deps Deps, p Params) <-chan types.Event {
	out := make(chan types.Event, 16)
	p.Options.Stream = true
	p.Sink = func(ev types.Event) { out <- ev }
	pinRunID(&p)

	go func() {
		defer close(out)
		_, _ = runWithRetry(ctx, deps, func(attempt int) *execState {
			st := newFreshState(deps, p)
			st.attempt = attempt
			return st
		}, func(s *execState) []phaseStep { return s.phases() })
	}()

	return out
}

// pinRunID generates p.RunID once, before the retry loop starts, so that
// every retried attempt of the same run shares one run_id (spec.md §3
// invariant ii: "run_id is unique process-wide for the duration of the
// run" — the duration of the run spans every retry attempt, not just
// one).
func pinRunID(p *Params) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
}

// filterTerminalErr hides the internal sentinel errors from Dispatcher
// callers: a paused or cancelled run is not a Go error from the caller's
// point of view, it is a RunRecord with the matching Status.
func filterTerminalErr(err error) error {
	if err == nil || errors.Is(err, errPaused) || cancel.IsCancelled(err) {
		return nil
	}
	return err
}
