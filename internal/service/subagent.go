package service

import "sync"

// SubAgentRegistry tracks parent/child session relationships so verdicts
// for sub-agent sessions inherit the parent agent's identity and trust.
type SubAgentRegistry struct {
	mu sync.RWMutex
	// parents maps child session key to parent session key.
	parents map[string]string
}

// NewSubAgentRegistry creates an empty registry.
func NewSubAgentRegistry() *SubAgentRegistry {
	return &SubAgentRegistry{parents: make(map[string]string)}
}

// Register links a child session to its parent session.
func (r *SubAgentRegistry) Register(parentSessionKey, childSessionKey string) {
	if parentSessionKey == "" || childSessionKey == "" {
		return
	}
	r.mu.Lock()
	r.parents[childSessionKey] = parentSessionKey
	r.mu.Unlock()
}

// Parent resolves the root parent session for a child, following chains
// of nested sub-agents. The second return is false for unregistered keys.
func (r *SubAgentRegistry) Parent(childSessionKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parent, ok := r.parents[childSessionKey]
	if !ok {
		return "", false
	}
	// Walk up, bounded against accidental cycles.
	for i := 0; i < 16; i++ {
		next, more := r.parents[parent]
		if !more {
			break
		}
		parent = next
	}
	return parent, true
}

// Forget removes a child registration.
func (r *SubAgentRegistry) Forget(childSessionKey string) {
	r.mu.Lock()
	delete(r.parents, childSessionKey)
	r.mu.Unlock()
}

// Len returns the number of registered child sessions.
func (r *SubAgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parents)
}
