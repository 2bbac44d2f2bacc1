// Package tool implements the Tool Selector (spec.md §4.5): the component
// that produces the tool set exposed to the model backend for a single run,
// filtered by run-scoped availability and context-aware filters.
//
// Grounded on the teacher's AgentManagerClient interface shape
// (internal/orchestrator/executor/executor.go) — a small behavior
// interface the Run Loop depends on rather than a concrete type — applied
// here to tool resolution instead of agent-process control.
package tool

import (
	"context"
	"encoding/json"

	"github.com/kandev/agentrun/internal/run/types"
)

// Spec is a single tool definition in the form the model backend consumes.
type Spec struct {
	Name                  string          `json:"name"`
	Description           string          `json:"description,omitempty"`
	Parameters            json.RawMessage `json:"parameters,omitempty"`
	RequiresConfirmation  bool            `json:"requires_confirmation,omitempty"`
}

// Provider resolves a set of tools synchronously. An agent may be backed
// by several providers (builtin tools, MCP servers, knowledge-retrieval
// tools); the Selector merges their output, first-registered wins on name
// collision.
type Provider interface {
	Tools(ctx context.Context) ([]Spec, error)
}

// AsyncProvider is implemented by tool providers that require an
// asynchronous resolution path (e.g. an MCP server reached over a
// long-lived connection). Per spec.md §4.5, only the async selection path
// may call these.
type AsyncProvider interface {
	ToolsAsync(ctx context.Context) ([]Spec, error)
}

// Filter narrows or annotates the resolved tool set for a specific run,
// e.g. hiding a tool once its one-shot budget is spent this run.
type Filter func(ctx context.Context, rc *types.RunContext, specs []Spec) []Spec

// Selector is the Tool Selector for a fixed set of providers and filters.
type Selector struct {
	Providers      []Provider
	AsyncProviders []AsyncProvider
	Filters        []Filter
}

// New creates a Selector from synchronous providers. Use AsyncProviders /
// Filters fields directly to add the rest.
func New(providers ...Provider) *Selector {
	return &Selector{Providers: providers}
}

// Select resolves the tool set using only synchronous providers. The Run
// Loop does not call it; every run variant uses SelectAsync.
func (s *Selector) Select(ctx context.Context, rc *types.RunContext) ([]Spec, error) {
	out, err := s.collectSync(ctx)
	if err != nil {
		return nil, err
	}
	return s.applyFilters(ctx, rc, out), nil
}

// SelectAsync resolves the tool set including async providers. The Run
// Loop uses it for every run variant.
func (s *Selector) SelectAsync(ctx context.Context, rc *types.RunContext) ([]Spec, error) {
	out, err := s.collectSync(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out))
	for _, sp := range out {
		seen[sp.Name] = true
	}
	for _, p := range s.AsyncProviders {
		specs, err := p.ToolsAsync(ctx)
		if err != nil {
			return nil, err
		}
		for _, sp := range specs {
			if seen[sp.Name] {
				continue
			}
			seen[sp.Name] = true
			out = append(out, sp)
		}
	}
	return s.applyFilters(ctx, rc, out), nil
}

func (s *Selector) collectSync(ctx context.Context) ([]Spec, error) {
	var out []Spec
	seen := make(map[string]bool)
	for _, p := range s.Providers {
		specs, err := p.Tools(ctx)
		if err != nil {
			return nil, err
		}
		for _, sp := range specs {
			if seen[sp.Name] {
				continue
			}
			seen[sp.Name] = true
			out = append(out, sp)
		}
	}
	return out, nil
}

func (s *Selector) applyFilters(ctx context.Context, rc *types.RunContext, specs []Spec) []Spec {
	for _, f := range s.Filters {
		specs = f(ctx, rc, specs)
	}
	return specs
}

// StaticProvider is a Provider that always returns a fixed tool list,
// useful for an agent's built-in tool set.
type StaticProvider []Spec

func (p StaticProvider) Tools(ctx context.Context) ([]Spec, error) { return []Spec(p), nil }
