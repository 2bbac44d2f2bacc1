package main

import (
	"context"
	"fmt"

	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/tool"
	"github.com/kandev/agentrun/internal/run/types"
)

// echoBackend is a model.Backend that echoes the latest user message back
// as its content, with no tool calls. It exists so a freshly started
// process has at least one working agent to exercise end to end without
// any external model provider configured; a real deployment registers its
// own agents wired to a real Model Backend.
type echoBackend struct{}

func (echoBackend) Respond(_ context.Context, req model.Request) (model.Response, error) {
	content := "echo"
	if n := len(req.Messages); n > 0 {
		content = fmt.Sprintf("echo: %s", req.Messages[n-1].Content)
	}
	return model.Response{
		Content:       content,
		ModelID:       "echo-1",
		ModelProvider: "demo",
		Usage:         model.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

func (b echoBackend) RespondStream(ctx context.Context, req model.Request) (<-chan model.Event, error) {
	out := make(chan model.Event, 2)
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

// newDemoAgent builds the "echo" agent registered at startup.
func newDemoAgent(sessionStoreConfigured bool) *agent.Agent {
	return &agent.Agent{
		AgentID:                "echo",
		Name:                   "Echo Agent",
		ModelID:                "echo-1",
		ModelProvider:          "demo",
		Model:                  echoBackend{},
		Tools:                  tool.New(),
		Defaults:               types.RunOptions{},
		Retry:                  agent.RetryPolicy{MaxAttempts: 1},
		SessionStoreConfigured: sessionStoreConfigured,
	}
}
