package store

import (
	"sync"

	"github.com/conversate/conversate/ai-server/pkg/contracts"
)

// MemoryRegistry implements Registry with in-memory maps.
type MemoryRegistry struct {
	mu      sync.RWMutex
	agents  map[string]contracts.ManagedAgent // key: bot id
	pending map[string]struct{}
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents:  make(map[string]contracts.ManagedAgent),
		pending: make(map[string]struct{}),
	}
}

func (r *MemoryRegistry) Reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return false
	}
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

func (r *MemoryRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *MemoryRegistry) Register(id string, agent contracts.ManagedAgent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return false
	}
	r.agents[id] = agent
	delete(r.pending, id)
	return true
}

func (r *MemoryRegistry) Take(id string) (contracts.ManagedAgent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	return a, ok
}

func (r *MemoryRegistry) TakeIf(id string, agent contracts.ManagedAgent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[id]; !ok || cur != agent {
		return false
	}
	delete(r.agents, id)
	return true
}

func (r *MemoryRegistry) Snapshot() map[string]contracts.ManagedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]contracts.ManagedAgent, len(r.agents))
	for k, v := range r.agents {
		out[k] = v
	}
	return out
}

func (r *MemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *MemoryRegistry) Pending(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[id]
	return ok
}
