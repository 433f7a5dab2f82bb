// Package frequency provides a fixed-capacity ring of recent actions for
// windowed rate conditions and risk scoring.
package frequency

import (
	"sync"
	"time"
)

// Scope selects which field of a slot must match during a count.
type Scope string

const (
	// ScopeAgent counts entries recorded for the same agent id.
	ScopeAgent Scope = "agent"
	// ScopeSession counts entries recorded for the same session key.
	ScopeSession Scope = "session"
	// ScopeGlobal counts every entry in the window.
	ScopeGlobal Scope = "global"
)

// slot is one recorded action. A zero timestamp marks an unused slot.
type slot struct {
	ts      int64 // unix milliseconds
	agent   string
	session string
	tool    string
}

// Counter is a bounded ring of recent actions. Record is O(1); Count scans
// the whole ring. Once full the oldest entry is overwritten, so counts are
// a lossy approximation at capacity — the accepted trade-off for constant
// memory.
type Counter struct {
	mu    sync.Mutex
	slots []slot
	head  int
	now   func() time.Time
}

// DefaultCapacity is the ring size used when the config leaves it unset.
const DefaultCapacity = 1000

// NewCounter creates a counter with the given capacity (DefaultCapacity
// when non-positive).
func NewCounter(capacity int) *Counter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Counter{slots: make([]slot, capacity), now: time.Now}
}

// Record stores one action, overwriting the oldest slot when full.
func (c *Counter) Record(agentID, sessionKey, toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[c.head] = slot{ts: c.now().UnixMilli(), agent: agentID, session: sessionKey, tool: toolName}
	c.head = (c.head + 1) % len(c.slots)
}

// Count tallies entries within the window whose scope field matches.
// scope=agent matches by agent id, scope=session by session key, and
// scope=global matches everything.
func (c *Counter) Count(windowSeconds int, scope Scope, agentID, sessionKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().UnixMilli() - int64(windowSeconds)*1000
	n := 0
	for _, s := range c.slots {
		if s.ts == 0 || s.ts < cutoff {
			continue
		}
		switch scope {
		case ScopeAgent:
			if s.agent == agentID {
				n++
			}
		case ScopeSession:
			if s.session == sessionKey {
				n++
			}
		case ScopeGlobal:
			n++
		}
	}
	return n
}

// Clear zeroes the ring and resets the head index.
func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.slots[i] = slot{}
	}
	c.head = 0
}

// Capacity returns the fixed ring size.
func (c *Counter) Capacity() int {
	return len(c.slots)
}
