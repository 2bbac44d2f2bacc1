// Package model defines the Model Backend contract (spec.md §6): the
// external collaborator that turns a message sequence and tool set into
// model output, either as one buffered response or a stream of events.
// The backend may itself execute tool calls internally before returning.
package model

import (
	"context"
	"encoding/json"

	"github.com/kandev/agentrun/internal/run/tool"
	"github.com/kandev/agentrun/internal/run/types"
)

// Compression controls how much of the message history is sent to the
// model, mirroring spec.md §6's respond(...) "compression" parameter.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionAuto Compression = "auto"
)

// Request is the input to a single model invocation.
type Request struct {
	Messages         []types.Message
	Tools            []tool.Spec
	ToolChoice       string // "", "auto", "required", or a specific tool name
	ToolCallLimit    int    // 0 means unlimited
	ResponseFormat   json.RawMessage
	RunRecord        *types.RunRecord
	SendMediaToModel bool
	Compression      Compression
}

// Usage reports token accounting for a single model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a buffered model invocation.
type Response struct {
	Content          string
	ToolCalls        []types.ToolExecutionRecord
	StructuredOutput json.RawMessage
	Usage            Usage
	ModelID          string
	ModelProvider    string
}

// EventKind distinguishes the events produced by a streamed model call.
type EventKind string

const (
	EventContentDelta EventKind = "content_delta"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventDone         EventKind = "done"
	EventErrorKind    EventKind = "error"
)

// Event is one entry in a streamed model response.
type Event struct {
	Kind      EventKind
	Delta     string
	ToolCall  *types.ToolExecutionRecord
	Usage     *Usage
	Err       error
}

// Backend is the Model Backend contract. There is only one form per
// operation: Go's context.Context already carries cancellation, so there
// is no separate sync/async split (spec.md §6 describes both; this
// rendition unifies them, consistent with internal/run/loop's "no
// sync/async split" decision recorded in SPEC_FULL.md §4.8).
type Backend interface {
	Respond(ctx context.Context, req Request) (Response, error)
	RespondStream(ctx context.Context, req Request) (<-chan Event, error)
}
