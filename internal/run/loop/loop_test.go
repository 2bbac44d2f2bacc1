package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/background"
	"github.com/kandev/agentrun/internal/run/cancel"
	"github.com/kandev/agentrun/internal/run/message"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/response"
	"github.com/kandev/agentrun/internal/run/session"
	"github.com/kandev/agentrun/internal/run/types"
)

// failingSessionStore fails ReadOrCreate unconditionally, to exercise the
// phase-1 failure path before the Run Context is ever built.
type failingSessionStore struct{}

func (failingSessionStore) ReadOrCreate(context.Context, string, string) (*types.SessionRecord, error) {
	return nil, errors.New("session store unavailable")
}
func (failingSessionStore) Upsert(context.Context, *types.SessionRecord) error { return nil }
func (failingSessionStore) GetRun(context.Context, string, string) (*types.RunRecord, error) {
	return nil, errors.New("not found")
}

// stubBackend is a model.Backend whose Respond behavior is programmable
// per call, used to exercise retry and pause/continuation paths.
type stubBackend struct {
	respond func(call int) (model.Response, error)
	calls   int32
}

func (b *stubBackend) Respond(_ context.Context, _ model.Request) (model.Response, error) {
	n := int(atomic.AddInt32(&b.calls, 1)) - 1
	return b.respond(n)
}

func (b *stubBackend) RespondStream(ctx context.Context, req model.Request) (<-chan model.Event, error) {
	out := make(chan model.Event, 4)
	go func() {
		defer close(out)
		resp, err := b.Respond(ctx, req)
		if err != nil {
			out <- model.Event{Kind: model.EventErrorKind, Err: err}
			return
		}
		out <- model.Event{Kind: model.EventContentDelta, Delta: resp.Content}
		out <- model.Event{Kind: model.EventDone, Usage: &resp.Usage}
	}()
	return out, nil
}

func testDeps() Deps {
	return Deps{
		Sessions:  session.NewMemoryStore(),
		Messages:  message.NewDefaultBuilder(logger.Default()),
		Responses: response.NewDefaultAssembler(),
		Cancel:    cancel.New(),
		Logger:    logger.Default(),
	}
}

func testAgent(backend model.Backend) *agent.Agent {
	return &agent.Agent{
		AgentID: "test-agent",
		Name:    "Test Agent",
		Model:   backend,
		Retry:   agent.RetryPolicy{MaxAttempts: 1},
	}
}

func TestRunBufferedHappyPath(t *testing.T) {
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "hello there"}, nil
	}}

	run, err := RunBuffered(context.Background(), testDeps(), Params{
		Agent:     testAgent(backend),
		SessionID: "sess-1",
		UserID:    "user-1",
		Input:     types.RunInput{Text: "hi"},
	})

	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, "hello there", run.Content)
	assert.NotEmpty(t, run.RunID)
}

func TestRunStreamedEmitsLifecycleEvents(t *testing.T) {
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "streamed"}, nil
	}}

	events := RunStreamed(context.Background(), testDeps(), Params{
		Agent:     testAgent(backend),
		SessionID: "sess-2",
		Input:     types.RunInput{Text: "hi"},
		Options:   types.RunOptions{Stream: true},
	})

	var seen []types.EventType
	for ev := range events {
		seen = append(seen, ev.Type)
	}

	assert.Contains(t, seen, types.EventRunStarted)
	assert.Contains(t, seen, types.EventRunContentCompleted)
	assert.Contains(t, seen, types.EventRunCompleted)
}

func TestRunBufferedRetriesTransientErrorThenSucceeds(t *testing.T) {
	backend := &stubBackend{respond: func(n int) (model.Response, error) {
		if n == 0 {
			return model.Response{}, errors.New("transient model failure")
		}
		return model.Response{Content: "recovered"}, nil
	}}
	a := testAgent(backend)
	a.Retry = agent.RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}

	run, err := RunBuffered(context.Background(), testDeps(), Params{
		Agent:     a,
		SessionID: "sess-3",
		Input:     types.RunInput{Text: "hi"},
	})

	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, "recovered", run.Content)
	assert.Equal(t, 1, run.Metrics.RetryCount)
}

func TestRunBufferedKeepsRunIDStableAcrossRetries(t *testing.T) {
	backend := &stubBackend{respond: func(n int) (model.Response, error) {
		if n == 0 {
			return model.Response{}, errors.New("first attempt fails")
		}
		return model.Response{Content: "ok"}, nil
	}}
	a := testAgent(backend)
	a.Retry = agent.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

	run, err := RunBuffered(context.Background(), testDeps(), Params{
		Agent:     a,
		SessionID: "sess-4",
		Input:     types.RunInput{Text: "hi"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, 1, run.Metrics.RetryCount)
}

func TestRunBufferedExhaustsRetriesAndFinalizesAsError(t *testing.T) {
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{}, errors.New("always fails")
	}}
	a := testAgent(backend)
	a.Retry = agent.RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}

	run, err := RunBuffered(context.Background(), testDeps(), Params{
		Agent:     a,
		SessionID: "sess-5",
		Input:     types.RunInput{Text: "hi"},
	})

	require.Error(t, err)
	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, 1, run.Metrics.RetryCount)
}

func TestRunBufferedCancelledMidRunFinalizesAsCancelled(t *testing.T) {
	deps := testDeps()
	release := make(chan struct{})
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		deps.Cancel.Cancel("cancel-run")
		<-release
		return model.Response{Content: "too late"}, nil
	}}

	done := make(chan *types.RunRecord, 1)
	go func() {
		run, _ := RunBuffered(context.Background(), deps, Params{
			Agent:     testAgent(backend),
			RunID:     "cancel-run",
			SessionID: "sess-6",
			Input:     types.RunInput{Text: "hi"},
		})
		done <- run
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	run := <-done
	assert.Equal(t, types.RunStatusCancelled, run.Status)
}

func TestContinueBufferedResumesFromPause(t *testing.T) {
	paused := &types.RunRecord{
		RunID:     "run-paused-1",
		SessionID: "sess-7",
		AgentID:   "test-agent",
		Status:    types.RunStatusPaused,
		Tools: []types.ToolExecutionRecord{
			{CallID: "call-1", ToolName: "confirm_action", IsPaused: true, RequiresConfirmation: true},
		},
	}

	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "resumed"}, nil
	}}

	run, err := ContinueBuffered(context.Background(), testDeps(), ContinueParams{
		Agent: testAgent(backend),
		Run:   paused,
		UpdatedTools: []types.ToolExecutionRecord{
			{CallID: "call-1", ToolName: "confirm_action", IsPaused: false},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, "resumed", run.Content)
	assert.False(t, run.Tools[0].IsPaused)
}

func TestRunBufferedSessionLoadFailureFinalizesAsErrorWithoutPanic(t *testing.T) {
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "should not run"}, nil
	}}
	deps := testDeps()
	deps.Sessions = failingSessionStore{}

	var run *types.RunRecord
	var err error
	assert.NotPanics(t, func() {
		run, err = RunBuffered(context.Background(), deps, Params{
			Agent:     testAgent(backend),
			SessionID: "sess-fail",
			Input:     types.RunInput{Text: "hi"},
		})
	})

	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.RunStatusError, run.Status)
}

func TestRunStreamedEmitsBackgroundTaskCompletedEvent(t *testing.T) {
	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "done"}, nil
	}}
	a := testAgent(backend)
	a.BackgroundTasks = agent.BackgroundTaskToggles{MemoryExtraction: true}
	a.MemoryWorker = func(ctx context.Context) (background.MemoryFacts, error) {
		return background.MemoryFacts{Kind: "memory", Items: []string{"likes go"}}, nil
	}

	events := RunStreamed(context.Background(), testDeps(), Params{
		Agent:     a,
		SessionID: "sess-bg",
		Input:     types.RunInput{Text: "hi"},
		Options:   types.RunOptions{Stream: true},
	})

	var sawCompletion bool
	for ev := range events {
		if ev.Type == types.EventBackgroundTaskCompleted {
			sawCompletion = true
			assert.Equal(t, "memory", ev.Data["kind"])
		}
	}

	assert.True(t, sawCompletion)
}

func TestContinueBufferedRejectsUnknownCallID(t *testing.T) {
	paused := &types.RunRecord{
		RunID:     "run-paused-2",
		SessionID: "sess-8",
		AgentID:   "test-agent",
		Status:    types.RunStatusPaused,
		Tools: []types.ToolExecutionRecord{
			{CallID: "call-1", IsPaused: true},
		},
	}

	backend := &stubBackend{respond: func(int) (model.Response, error) {
		return model.Response{Content: "should not run"}, nil
	}}

	_, err := ContinueBuffered(context.Background(), testDeps(), ContinueParams{
		Agent: testAgent(backend),
		Run:   paused,
		UpdatedTools: []types.ToolExecutionRecord{
			{CallID: "does-not-exist"},
		},
	})

	require.Error(t, err)
}
