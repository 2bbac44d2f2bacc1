// Package options implements the Run Context & Options Resolver
// (spec.md §4.3): it merges per-call arguments, an inherited run
// context's options, and agent defaults into a single resolved
// RunOptions, and applies caller-provided values onto a RunContext. It
// does not read the session; the Run Loop loads it separately.
package options

import (
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/types"
)

// Overrides carries the caller-supplied (possibly unset) per-call
// arguments. A nil pointer means "not specified by the caller"; a
// non-nil pointer's value always wins over context/agent defaults.
type Overrides struct {
	Stream                   *bool
	StreamEvents             *bool
	YieldRunOutput           *bool
	AddHistoryToContext      *bool
	AddDependenciesToContext *bool
	AddSessionStateToContext *bool
	StoreEvents              *bool
	Background               *bool
}

// Resolve computes a single RunOptions from, in precedence order
// (highest first): explicit caller argument (overrides), inherited run
// context (inherited), agent default (a.Defaults) — per spec.md §4.3.
func Resolve(overrides Overrides, inherited *types.RunOptions, a *agent.Agent) types.RunOptions {
	defaults := types.RunOptions{}
	if a != nil {
		defaults = a.Defaults
	}

	resolved := defaults
	if inherited != nil {
		resolved = *inherited
	}

	apply(&resolved.Stream, overrides.Stream)
	apply(&resolved.StreamEvents, overrides.StreamEvents)
	apply(&resolved.YieldRunOutput, overrides.YieldRunOutput)
	apply(&resolved.AddHistoryToContext, overrides.AddHistoryToContext)
	apply(&resolved.AddDependenciesToContext, overrides.AddDependenciesToContext)
	apply(&resolved.AddSessionStateToContext, overrides.AddSessionStateToContext)
	apply(&resolved.StoreEvents, overrides.StoreEvents)
	apply(&resolved.Background, overrides.Background)

	return resolved
}

func apply(field *bool, override *bool) {
	if override != nil {
		*field = *override
	}
}

// ApplyContext merges a caller-provided RunContext on top of a freshly
// created one, preserving caller-provided values (spec.md §4.3: "applied
// on top of any caller-provided context, preserving caller-provided
// values").
func ApplyContext(base *types.RunContext, caller *types.RunContext) *types.RunContext {
	if caller == nil {
		return base
	}

	merged := *base
	if caller.SessionState != nil {
		merged.SessionState = caller.SessionState
	}
	if caller.Dependencies != nil {
		merged.Dependencies = caller.Dependencies
	}
	if caller.KnowledgeFilters != nil {
		merged.KnowledgeFilters = caller.KnowledgeFilters
	}
	if caller.Metadata != nil {
		merged.Metadata = caller.Metadata
	}
	if caller.OutputSchema != nil {
		merged.OutputSchema = caller.OutputSchema
	}
	return &merged
}
