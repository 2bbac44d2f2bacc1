// Package response implements the Response Assembler (spec.md §4.6): it
// applies a model response onto the run record, optionally re-invoking a
// secondary output model or a parser model, and fills blank content from
// structured output. Run status is left to the Run Loop.
package response

import (
	"context"
	"fmt"

	"github.com/kandev/agentrun/internal/run/model"
	"github.com/kandev/agentrun/internal/run/types"
)

// Assembler is the Response Assembler contract.
type Assembler interface {
	Assemble(ctx context.Context, run *types.RunRecord, resp model.Response, outputModel, parserModel model.Backend, outputSchema []byte) error
}

// DefaultAssembler is the orchestrator's built-in Assembler.
type DefaultAssembler struct{}

// NewDefaultAssembler constructs a DefaultAssembler.
func NewDefaultAssembler() *DefaultAssembler { return &DefaultAssembler{} }

// Assemble implements the four numbered steps of spec.md §4.6 in order.
func (a *DefaultAssembler) Assemble(ctx context.Context, run *types.RunRecord, resp model.Response, outputModel, parserModel model.Backend, outputSchema []byte) error {
	// Step 1: attach generated content and tool-execution records,
	// preserving the order the model emitted them.
	run.Content = resp.Content
	run.Tools = append(run.Tools, resp.ToolCalls...)
	run.Metrics.PromptTokens += resp.Usage.PromptTokens
	run.Metrics.CompletionTokens += resp.Usage.CompletionTokens
	run.Metrics.TotalTokens += resp.Usage.TotalTokens
	run.Metrics.ModelCalls++
	if resp.ModelID != "" {
		run.ModelID = resp.ModelID
	}
	if resp.ModelProvider != "" {
		run.ModelProvider = resp.ModelProvider
	}

	// Step 2: secondary "output model" re-invocation, producing a
	// structured variant of the response.
	if outputModel != nil {
		structuredReq := model.Request{
			Messages:  append(run.Messages, types.Message{Role: "assistant", Content: run.Content}),
			RunRecord: run,
		}
		structuredResp, err := outputModel.Respond(ctx, structuredReq)
		if err != nil {
			return fmt.Errorf("response: output model invocation failed: %w", err)
		}
		if len(structuredResp.StructuredOutput) > 0 {
			run.Metadata = ensureMeta(run.Metadata)
			run.Metadata["structured_output"] = string(structuredResp.StructuredOutput)
		}
		run.Metrics.ModelCalls++
	}

	// Step 3: parser model parses free-form content into the declared
	// structured schema.
	if parserModel != nil && len(outputSchema) > 0 {
		parseReq := model.Request{
			Messages:       []types.Message{{Role: "user", Content: run.Content}},
			ResponseFormat: outputSchema,
			RunRecord:      run,
		}
		parsed, err := parserModel.Respond(ctx, parseReq)
		if err != nil {
			return fmt.Errorf("response: parser model invocation failed: %w", err)
		}
		if len(parsed.StructuredOutput) > 0 {
			run.Metadata = ensureMeta(run.Metadata)
			run.Metadata["parsed_output"] = string(parsed.StructuredOutput)
		}
		run.Metrics.ModelCalls++
	}

	// Step 4: normalize status. Status transitions are decided by the Run
	// Loop (pause check, completion) — the assembler only guarantees that
	// content is non-empty whenever the model returned structured output
	// and content itself came back blank. Tool calls alone leave blank
	// content blank.
	if run.Content == "" && len(resp.StructuredOutput) > 0 {
		run.Content = string(resp.StructuredOutput)
	}

	return nil
}

func ensureMeta(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
