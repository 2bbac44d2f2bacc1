// Package message implements the Message Builder (spec.md §4.4): it
// assembles the ordered message sequence sent to the model backend from
// session history, the current user input, attached media, dependencies,
// and session state.
package message

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/tool"
	"github.com/kandev/agentrun/internal/run/types"
)

// Request bundles everything the builder needs to assemble a message
// sequence for one run.
type Request struct {
	RunContext  *types.RunContext
	Input       types.RunInput
	History     []types.RunRecord // prior runs in the owning session, chronological
	Options     types.RunOptions
	Tools       []tool.Spec
}

// Builder is the Message Builder contract.
type Builder interface {
	Build(ctx context.Context, req Request) ([]types.Message, error)
}

// DefaultBuilder is the orchestrator's built-in Builder. It does not
// prescribe exact prompt text (spec.md §4.4: "the orchestrator does not
// prescribe the exact prompt text") but guarantees the structural
// contract: non-empty-when-possible, chronological history, and a
// system-visible session-state block when requested.
type DefaultBuilder struct {
	Logger *logger.Logger
}

// NewDefaultBuilder constructs a DefaultBuilder, defaulting to the
// package logger when log is nil.
func NewDefaultBuilder(log *logger.Logger) *DefaultBuilder {
	if log == nil {
		log = logger.Default()
	}
	return &DefaultBuilder{Logger: log}
}

func (b *DefaultBuilder) Build(ctx context.Context, req Request) ([]types.Message, error) {
	var out []types.Message

	if req.Options.AddSessionStateToContext && req.RunContext != nil && len(req.RunContext.SessionState) > 0 {
		data, err := json.Marshal(req.RunContext.SessionState)
		if err != nil {
			b.Logger.Warn("message: failed to marshal session state", zap.Error(err))
		} else {
			out = append(out, types.Message{
				Role:    "system",
				Content: fmt.Sprintf("<session_state>%s</session_state>", string(data)),
			})
		}
	}

	if req.Options.AddDependenciesToContext && req.RunContext != nil && len(req.RunContext.Dependencies) > 0 {
		deps := make(map[string]any, len(req.RunContext.Dependencies))
		for k, v := range req.RunContext.Dependencies {
			deps[k] = v.Value
		}
		data, err := json.Marshal(deps)
		if err != nil {
			b.Logger.Warn("message: failed to marshal dependencies", zap.Error(err))
		} else {
			out = append(out, types.Message{
				Role:    "system",
				Content: fmt.Sprintf("<dependencies>%s</dependencies>", string(data)),
			})
		}
	}

	if req.Options.AddHistoryToContext {
		// History is emitted in req.History's order, which callers pass
		// chronologically (spec.md §4.4(b)); it is not re-sorted here.
		for _, run := range req.History {
			if run.Input.Text != "" {
				out = append(out, types.Message{Role: "user", Content: run.Input.Text})
			}
			if run.Content != "" {
				out = append(out, types.Message{Role: "assistant", Content: run.Content})
			}
		}
	}

	userMsg, err := buildUserMessage(req.Input)
	if err != nil {
		return out, err
	}
	if userMsg.Content != "" || userMsg.Parts != nil {
		out = append(out, userMsg)
	}

	if len(out) == 0 {
		// spec.md §4.4(a): an empty sequence is logged as an error but the
		// run continues so the model backend may reject it.
		b.Logger.Error("message: assembled message sequence is empty")
	}

	return out, nil
}

func buildUserMessage(input types.RunInput) (types.Message, error) {
	msg := types.Message{Role: "user", Content: input.Text}

	if len(input.Audio) == 0 && len(input.Images) == 0 && len(input.Videos) == 0 && len(input.Files) == 0 {
		return msg, nil
	}

	parts := struct {
		Audio  []types.MediaRef `json:"audio,omitempty"`
		Images []types.MediaRef `json:"images,omitempty"`
		Videos []types.MediaRef `json:"videos,omitempty"`
		Files  []types.MediaRef `json:"files,omitempty"`
	}{input.Audio, input.Images, input.Videos, input.Files}

	data, err := json.Marshal(parts)
	if err != nil {
		return msg, fmt.Errorf("message: encode media parts: %w", err)
	}
	msg.Parts = data
	return msg, nil
}
