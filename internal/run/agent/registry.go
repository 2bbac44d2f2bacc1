package agent

import (
	"sync"

	"github.com/kandev/agentrun/internal/common/apperrors"
)

// Registry is an in-process lookup of agent configurations by AgentID.
// Agent construction (wiring a Model backend, tool providers, hooks) is
// the embedding application's job; the orchestrator only needs a place to
// look one up by id once an HTTP/RPC caller names it.
//
// Grounded on the teacher's scheduler.MockTaskRepository shape: a mutex-
// guarded in-memory map standing in for a real directory service.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds or replaces the agent under its AgentID.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentID] = a
}

// Get returns the agent registered under agentID, or a not-found error.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return a, nil
}

// List returns the ids of every registered agent.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
