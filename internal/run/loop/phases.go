package loop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/run/background"
	"github.com/kandev/agentrun/internal/run/event"
	"github.com/kandev/agentrun/internal/run/hook"
	"github.com/kandev/agentrun/internal/run/message"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/types"
)

// errPaused is returned by checkPause once the full pause protocol (join
// background tasks, emit RunPaused, Cleanup & Store, write the Approval
// Record) has run to completion. The attempt driver treats it exactly
// like a nil (successful, terminal, do-not-retry) outcome.
var errPaused = fmt.Errorf("loop: run paused")

// bootstrap performs the bookkeeping every attempt needs before phase 1:
// ensure the Run Record exists (built once, reused across retries), seed a
// placeholder Run Context so a phase-1 failure can still flow through
// Cleanup & Store without dereferencing a nil s.rc (phase 2
// refreshMetadataAndState and resumeContext both overwrite it with the
// real one once they run), and (re)build the Event Pipeline bound to the
// run, since the pipeline's internal state is not meant to be shared
// across attempts.
func (s *execState) bootstrap() {
	if s.run == nil {
		now := time.Now().UTC()
		s.run = &types.RunRecord{
			RunID:     s.runID,
			SessionID: s.sessionID,
			AgentID:   s.agent.AgentID,
			UserID:    s.userID,
			Status:    types.RunStatusPending,
			Input:     s.input,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if s.rc == nil {
		s.rc = &types.RunContext{
			RunID:        s.runID,
			SessionID:    s.sessionID,
			UserID:       s.userID,
			SessionState: map[string]any{},
			Dependencies: map[string]types.DependencyEntry{},
			Metadata:     map[string]any{},
		}
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
	s.run.Status = types.RunStatusRunning
	s.run.UpdatedAt = time.Now().UTC()

	granular := s.options.Stream && s.options.StreamEvents
	s.pipeline = event.New(s.run, s.agent.SkipEvents, s.options.StoreEvents, granular, s.deps.Bus, s.sink, s.log)
}

// phase 1: session load.
func (s *execState) loadSession(ctx context.Context) error {
	if s.attempt == 0 && s.preloadedSession {
		return nil
	}
	sess, err := s.deps.Sessions.ReadOrCreate(ctx, s.sessionID, s.userID)
	if err != nil {
		return fmt.Errorf("loop: load session: %w", err)
	}
	s.session = sess
	return nil
}

// phase 2: metadata & session state.
func (s *execState) refreshMetadataAndState(ctx context.Context) error {
	rc := &types.RunContext{
		RunID:        s.runID,
		SessionID:    s.sessionID,
		UserID:       s.userID,
		SessionState: map[string]any{},
		Dependencies: map[string]types.DependencyEntry{},
		Metadata:     map[string]any{},
	}
	if s.session != nil {
		if ss, ok := s.session.SessionData["session_state"].(map[string]any); ok {
			for k, v := range ss {
				rc.SessionState[k] = v
			}
		}
	}
	s.rc = options.ApplyContext(rc, s.callerContext)
	return nil
}

// phase 3: dependency resolution.
func (s *execState) resolveDependencies(ctx context.Context) error {
	for key, entry := range s.rc.Dependencies {
		resolved, ok, err := resolveDependency(s.agent.AgentID, s.rc, entry)
		if err != nil {
			s.log.Warn("loop: dependency resolution failed, keeping original callable",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			s.rc.Dependencies[key] = types.DependencyEntry{Kind: types.DependencyKindValue, Value: resolved}
		}
	}
	return nil
}

func resolveDependency(agentID string, rc *types.RunContext, entry types.DependencyEntry) (any, bool, error) {
	switch entry.Kind {
	case types.DependencyKindValue:
		return entry.Value, false, nil
	case types.DependencyKindProvider0:
		if entry.Provider0 == nil {
			return nil, false, nil
		}
		v, err := entry.Provider0()
		return v, err == nil, err
	case types.DependencyKindProvider1Agent:
		if entry.Provider1Agent == nil {
			return nil, false, nil
		}
		v, err := entry.Provider1Agent(agentID)
		return v, err == nil, err
	case types.DependencyKindProvider1Context:
		if entry.Provider1Context == nil {
			return nil, false, nil
		}
		v, err := entry.Provider1Context(rc)
		return v, err == nil, err
	case types.DependencyKindProvider2:
		if entry.Provider2 == nil {
			return nil, false, nil
		}
		v, err := entry.Provider2(agentID, rc)
		return v, err == nil, err
	}
	return nil, false, nil
}

// phase 4: pre-hooks. Skipped on continuation since a resumed run never
// re-runs input-side effects (spec.md §4.8 "Continuation loop").
func (s *execState) runPreHooks(ctx context.Context) error {
	if s.isContinuation {
		return nil
	}
	evs, err := hook.RunPreHooks(ctx, s.agent.PreHooks, s.rc, &s.input)
	for _, e := range evs {
		s.pipeline.Emit(ctx, e)
	}
	s.run.Input = s.input
	return err
}

// phase 5: tool selection. Always resolved via SelectAsync: Go's run loop
// has no separate sync/async execution path to gate on (spec.md §4.5
// describes both; this rendition always takes the superset path, recorded
// as a deliberate simplification in the grounding ledger).
func (s *execState) selectTools(ctx context.Context) error {
	if s.agent.Tools == nil {
		s.tools = nil
		return nil
	}
	tools, err := s.agent.Tools.SelectAsync(ctx, s.rc)
	if err != nil {
		return fmt.Errorf("loop: tool selection: %w", err)
	}
	s.tools = tools
	return nil
}

// phase 6: message build.
func (s *execState) buildMessages(ctx context.Context) error {
	var history []types.RunRecord
	if s.options.AddHistoryToContext {
		if s.deps.Sessions == nil {
			s.log.Warn("loop: add_history_to_context set but no session store configured; proceeding without history")
		} else if s.session != nil {
			history = s.session.Runs
		}
	}

	msgs, err := s.deps.Messages.Build(ctx, message.Request{
		RunContext: s.rc,
		Input:      s.input,
		History:    history,
		Options:    s.options,
		Tools:      s.tools,
	})
	if err != nil {
		return fmt.Errorf("loop: message build: %w", err)
	}
	s.messages = msgs
	s.run.Messages = msgs
	return nil
}

// phase 7: launch background tasks. Point of no return for them.
func (s *execState) launchBackgroundTasks(ctx context.Context) error {
	s.bg = background.NewSet(s.log)
	workers := map[string]background.Worker{}
	if s.agent.BackgroundTasks.MemoryExtraction && s.agent.MemoryWorker != nil {
		workers["memory"] = s.agent.MemoryWorker
	}
	if s.agent.BackgroundTasks.CulturalKnowledgeExtraction && s.agent.CulturalKnowledgeWorker != nil {
		workers["cultural_knowledge"] = s.agent.CulturalKnowledgeWorker
	}
	if s.agent.BackgroundTasks.LearningExtraction && s.agent.LearningWorker != nil {
		workers["learning"] = s.agent.LearningWorker
	}
	if len(workers) > 0 {
		s.bg.Launch(ctx, workers)
	}
	return nil
}

// phase 8: emit RunStarted / RunContinued (streaming only).
func (s *execState) emitStarted(ctx context.Context) error {
	if !s.options.Stream {
		return nil
	}
	et := types.EventRunStarted
	if s.isContinuation {
		et = types.EventRunContinued
	}
	s.pipeline.Emit(ctx, types.Event{Type: et, Timestamp: time.Now().UTC()})
	return nil
}

// phase 9: reasoning. A reasoning subsystem is an external collaborator
// out of scope (spec.md §1); this phase is a deliberate no-op placeholder
// kept in the phase table so a future Backend variant can hook in without
// renumbering the pipeline.
func (s *execState) reasoning(ctx context.Context) error { return nil }

// checkCancelled is invoked at every suspension point named in spec.md
// §4.8's phase table (after hooks, after tool selection, after the model
// call, after post-hooks).
func (s *execState) checkCancelled(ctx context.Context) error {
	if s.deps.Cancel == nil {
		return nil
	}
	return s.deps.Cancel.RaiseIfCancelled(s.runID)
}

// phase 11: model call.
func (s *execState) callModel(ctx context.Context) error {
	if s.agent.Model == nil {
		return fmt.Errorf("loop: no model backend configured for agent %q", s.agent.Name)
	}

	req := model.Request{
		Messages:  s.messages,
		Tools:     s.tools,
		RunRecord: s.run,
	}

	if !s.options.Stream {
		resp, err := s.agent.Model.Respond(ctx, req)
		if err != nil {
			return fmt.Errorf("loop: model call: %w", err)
		}
		s.lastResponse = resp
		return nil
	}

	ch, err := s.agent.Model.RespondStream(ctx, req)
	if err != nil {
		return fmt.Errorf("loop: model stream call: %w", err)
	}

	downgrade := s.agent.OutputModel != nil
	var content string
	var toolCalls []types.ToolExecutionRecord
	var usage model.Usage

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.lastResponse = model.Response{Content: content, ToolCalls: toolCalls, Usage: usage}
				return nil
			}
			if err := s.checkCancelled(ctx); err != nil {
				return err
			}
			switch ev.Kind {
			case model.EventErrorKind:
				return fmt.Errorf("loop: model stream event: %w", ev.Err)
			case model.EventContentDelta:
				content += ev.Delta
				et := types.EventRunContent
				if downgrade {
					// spec.md §4.8 phase 11: primary-model content is
					// downgraded to IntermediateRunContent when an output
					// model is configured to re-invoke on top of it.
					et = types.EventIntermediateRunContent
				}
				s.pipeline.Emit(ctx, types.Event{Type: et, Content: ev.Delta, Timestamp: time.Now().UTC()})
			case model.EventToolCall:
				if ev.ToolCall != nil {
					toolCalls = append(toolCalls, *ev.ToolCall)
				}
			case model.EventDone:
				if ev.Usage != nil {
					usage = *ev.Usage
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// phase 13: response assembly.
func (s *execState) assembleResponse(ctx context.Context) error {
	if err := s.deps.Responses.Assemble(ctx, s.run, s.lastResponse, s.agent.OutputModel, s.agent.ParserModel, s.agent.OutputSchema); err != nil {
		return fmt.Errorf("loop: response assembly: %w", err)
	}

	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{Type: types.EventRunContentCompleted, Content: s.run.Content, Timestamp: time.Now().UTC()})
	}
	return nil
}

// phase 14: pause check. Returns errPaused once the full pause protocol
// has executed; the attempt driver must treat that as terminal-success,
// not as a failure to retry.
func (s *execState) checkPause(ctx context.Context) error {
	if !s.run.HasPausedTool() {
		return nil
	}

	if s.options.Stream {
		var facts []background.MemoryFacts
		s.bg.JoinStreamed(ctx, func(f background.MemoryFacts) {
			facts = append(facts, f)
			s.pipeline.Emit(ctx, types.Event{
				Type:      types.EventBackgroundTaskCompleted,
				Timestamp: time.Now().UTC(),
				Data:      map[string]any{"kind": f.Kind, "items": f.Items},
			})
		})
		attachMemoryFacts(s.run, facts)
	} else {
		facts := s.bg.Join(ctx)
		attachMemoryFacts(s.run, facts)
	}

	s.run.Status = types.RunStatusPaused
	s.run.StopReason = types.StopReasonPaused
	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{Type: types.EventRunPaused, Timestamp: time.Now().UTC()})
	}

	if err := s.cleanupAndStore(ctx); err != nil {
		s.log.Error("loop: cleanup failed on pause path", zap.Error(err))
	}

	// spec.md §9 open question: the session is written (via cleanup,
	// above) before the Approval Record is created. If approval creation
	// fails, the session now has a paused run with no approval; this
	// ordering is preserved per spec, with a distinguishable warning so
	// the failure window is at least observable.
	if s.deps.Approvals != nil {
		if _, err := s.deps.Approvals.CreateFromPause(ctx, s.run, s.agent.AgentID, s.agent.Name, s.userID); err != nil {
			s.log.Warn("approval record missing after pause", zap.String("run_id", s.runID), zap.Error(err))
		}
	}

	return errPaused
}

// phase 15: optional media storage. A no-op: media persistence is an
// external collaborator's concern, the orchestrator only carries
// references (spec.md §3 RunInput.Media).
func (s *execState) storeMedia(ctx context.Context) error { return nil }

// phase 16: structured-format conversion is already folded into
// assembleResponse (the Response Assembler's steps 2-3); nothing further
// to do here. Kept as its own phase step to preserve the numbered
// ordering spec.md §4.8 names.
func (s *execState) convertStructuredFormat(ctx context.Context) error { return nil }

// phase 17: post-hooks.
func (s *execState) runPostHooks(ctx context.Context) error {
	evs, err := hook.RunPostHooks(ctx, s.agent.PostHooks, s.rc, s.run)
	for _, e := range evs {
		s.pipeline.Emit(ctx, e)
	}
	return err
}

// phase 19: join background tasks. In streaming mode this drives
// JoinStreamed so each worker's completion is surfaced through the event
// pipeline as it lands, carrying that worker's user-memories payload
// (spec.md §4.7 "background-task completion events including
// user-memories payload", §4.8 step 19).
func (s *execState) joinBackgroundTasks(ctx context.Context) error {
	if s.options.Stream {
		var facts []background.MemoryFacts
		s.bg.JoinStreamed(ctx, func(f background.MemoryFacts) {
			facts = append(facts, f)
			s.pipeline.Emit(ctx, types.Event{
				Type:      types.EventBackgroundTaskCompleted,
				Timestamp: time.Now().UTC(),
				Data:      map[string]any{"kind": f.Kind, "items": f.Items},
			})
		})
		attachMemoryFacts(s.run, facts)
		return nil
	}

	facts := s.bg.Join(ctx)
	attachMemoryFacts(s.run, facts)
	return nil
}

// phase 20: session summary. Optional: no SummaryModel configured means a
// silent no-op.
func (s *execState) sessionSummary(ctx context.Context) error {
	if s.agent.SummaryModel == nil || s.session == nil {
		return nil
	}

	s.session.UpsertRun(*s.run)

	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{Type: types.EventSessionSummaryStarted, Timestamp: time.Now().UTC()})
	}

	resp, err := s.agent.SummaryModel.Respond(ctx, model.Request{
		Messages:  append([]types.Message{{Role: "system", Content: "Summarize this session."}}, s.messages...),
		RunRecord: s.run,
	})
	if err != nil {
		s.log.Warn("loop: session summary failed, run still completes", zap.Error(err))
		return nil
	}
	s.session.Summary = resp.Content

	if s.options.Stream {
		s.pipeline.Emit(ctx, types.Event{Type: types.EventSessionSummaryCompleted, Timestamp: time.Now().UTC()})
	}
	return nil
}

// phase 21: finalize.
func (s *execState) finalize(ctx context.Context) error {
	s.run.SessionState = s.rc.SessionState
	s.run.Status = types.RunStatusCompleted
	s.run.StopReason = types.StopReasonEndTurn
	s.run.UpdatedAt = time.Now().UTC()
	return nil
}

// phase 22: Cleanup & Store.
func (s *execState) cleanupPhase(ctx context.Context) error {
	return s.cleanupAndStore(ctx)
}

// phase 23: emit RunCompleted; optionally yield the final run record.
func (s *execState) emitCompleted(ctx context.Context) error {
	if !s.options.Stream {
		return nil
	}
	s.pipeline.Emit(ctx, types.Event{Type: types.EventRunCompleted, Timestamp: time.Now().UTC()})
	if s.options.YieldRunOutput {
		finalCopy := *s.run
		s.pipeline.Emit(ctx, types.Event{Type: types.EventRunCompleted, Timestamp: time.Now().UTC(), FinalRun: &finalCopy})
	}
	return nil
}

func attachMemoryFacts(run *types.RunRecord, facts []background.MemoryFacts) {
	if len(facts) == 0 {
		return
	}
	if run.Metadata == nil {
		run.Metadata = make(map[string]any)
	}
	items := make([]string, 0)
	for _, f := range facts {
		items = append(items, f.Items...)
	}
	run.Metadata["background_facts"] = items
}
