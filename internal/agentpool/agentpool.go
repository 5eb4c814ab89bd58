// Package agentpool implements the in-memory index of council member
// identities: a mutex-guarded, clone-on-read registry with
// insertion-order iteration.
package agentpool

import (
	"errors"
	"fmt"
	"sync"
)

// Backend tags the provider family an agent's model is served by.
type Backend string

const (
	BackendOllama     Backend = "ollama"
	BackendOpenAI      Backend = "openai"
	BackendOpenRouter  Backend = "openrouter"
	BackendGoogle      Backend = "google"
)

var (
	ErrNotFound      = errors.New("agentpool: agent not found")
	ErrDuplicateName = errors.New("agentpool: display name already in use")
)

// Agent is one council participant's identity.
type Agent struct {
	ID          string
	DisplayName string
	MentionHandle string
	Backend     Backend
	Model       string
	Persona     string
	Temperature float64
	Tools       []string
	Enabled     bool
}

// Pool owns every agent under one exclusive lock. order
// preserves insertion order for iteration-order-sensitive consumers
// (chat responder's round-robin cursor, topic scheduler's queue refill).
type Pool struct {
	mu      sync.Mutex
	byID    map[string]*Agent
	order   []string
}

// New returns an empty agent pool.
func New() *Pool {
	return &Pool{byID: make(map[string]*Agent)}
}

func (p *Pool) nameInUse(name, excludeID string) bool {
	for id, a := range p.byID {
		if id != excludeID && a.DisplayName == name {
			return true
		}
	}
	return false
}

// Add inserts a new agent. Fails if the display name collides with a
// live entry.
func (p *Pool) Add(a Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[a.ID]; exists {
		return fmt.Errorf("agentpool: agent %q already exists", a.ID)
	}
	if p.nameInUse(a.DisplayName, "") {
		return fmt.Errorf("%w: %q", ErrDuplicateName, a.DisplayName)
	}

	clone := a
	p.byID[a.ID] = &clone
	p.order = append(p.order, a.ID)
	return nil
}

// Update replaces an existing agent's fields in place, preserving its
// position in iteration order. Fails if the new display name collides
// with a different live entry.
func (p *Pool) Update(a Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[a.ID]; !exists {
		return ErrNotFound
	}
	if p.nameInUse(a.DisplayName, a.ID) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, a.DisplayName)
	}

	clone := a
	p.byID[a.ID] = &clone
	return nil
}

// Remove deletes an agent and drops it from iteration order.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[id]; !exists {
		return ErrNotFound
	}
	delete(p.byID, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the agent with id.
func (p *Pool) Get(id string) (Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return *a, nil
}

// All returns every agent in pool (insertion) order.
func (p *Pool) All() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.byID[id])
	}
	return out
}

// Active returns every enabled agent in pool order, the set the chat
// responder and topic scheduler round-robin over.
func (p *Pool) Active() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Agent
	for _, id := range p.order {
		if a := p.byID[id]; a.Enabled {
			out = append(out, *a)
		}
	}
	return out
}

// Len returns the number of agents in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
