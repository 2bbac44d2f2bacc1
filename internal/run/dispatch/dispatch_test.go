package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/cancel"
	"github.com/kandev/agentrun/internal/run/loop"
	"github.com/kandev/agentrun/internal/run/message"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/response"
	"github.com/kandev/agentrun/internal/run/session"
	"github.com/kandev/agentrun/internal/run/types"
)

type echoBackend struct{}

func (echoBackend) Respond(context.Context, model.Request) (model.Response, error) {
	return model.Response{Content: "ok"}, nil
}

func (echoBackend) RespondStream(context.Context, model.Request) (<-chan model.Event, error) {
	out := make(chan model.Event, 1)
	out <- model.Event{Kind: model.EventDone}
	close(out)
	return out, nil
}

func testDispatcher() *Dispatcher {
	return New(loop.Deps{
		Sessions:  session.NewMemoryStore(),
		Messages:  message.NewDefaultBuilder(logger.Default()),
		Responses: response.NewDefaultAssembler(),
		Cancel:    cancel.New(),
		Logger:    logger.Default(),
	})
}

func testAgent(sessionStoreConfigured bool) *agent.Agent {
	return &agent.Agent{
		AgentID:                "a1",
		Model:                  echoBackend{},
		Retry:                  agent.RetryPolicy{MaxAttempts: 1},
		SessionStoreConfigured: sessionStoreConfigured,
	}
}

func TestDispatcherRunRejectsBackgroundAndStreamTogether(t *testing.T) {
	d := testDispatcher()
	on := true
	_, err := d.Run(context.Background(), RunInput{
		Agent:     testAgent(true),
		SessionID: "s1",
		Overrides: options.Overrides{Stream: &on, Background: &on},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDispatcherRunRejectsBackgroundWithoutSessionStore(t *testing.T) {
	d := testDispatcher()
	on := true
	_, err := d.Run(context.Background(), RunInput{
		Agent:     testAgent(false),
		SessionID: "s1",
		Overrides: options.Overrides{Background: &on},
	})
	require.Error(t, err)
}

func TestDispatcherRunHappyPath(t *testing.T) {
	d := testDispatcher()
	run, err := d.Run(context.Background(), RunInput{
		Agent:     testAgent(true),
		SessionID: "s2",
		Input:     types.RunInput{Text: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
}

func TestDispatcherRunBackgroundReturnsPendingImmediately(t *testing.T) {
	d := testDispatcher()
	run, err := d.Run(context.Background(), RunInput{
		Agent:     testAgent(true),
		SessionID: "s3",
		Input:     types.RunInput{Text: "hi"},
		Overrides: options.Overrides{Background: boolPtr(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status)
}

func TestDispatcherContinueRunRequiresExactlyOneOfRunOrRunID(t *testing.T) {
	d := testDispatcher()
	_, err := d.ContinueRun(context.Background(), ContinueInput{
		Agent: testAgent(true),
	})
	require.Error(t, err)
}

func TestDispatcherContinueRunRequiresExactlyOneOfToolsOrRequirements(t *testing.T) {
	d := testDispatcher()
	_, err := d.ContinueRun(context.Background(), ContinueInput{
		Agent: testAgent(true),
		RunID: "run-1",
	})
	require.Error(t, err)
}

func TestDispatcherCancelRunDelegatesToCancelRegistry(t *testing.T) {
	d := testDispatcher()
	assert.False(t, d.CancelRun("nonexistent"))
}

func boolPtr(b bool) *bool { return &b }
