// Package health tracks agent liveness from IPC pings.
//
// The service never asks agents anything; it only remembers when each agent
// last pinged and flags the ones that go silent.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the liveness of an agent.
type Status string

const (
	// StatusAlive indicates the agent pinged recently.
	StatusAlive Status = "alive"
	// StatusStale indicates the agent has missed its ping window.
	StatusStale Status = "stale"
	// StatusUnknown indicates the agent has never pinged.
	StatusUnknown Status = "unknown"
)

// AgentState is a snapshot of one agent's liveness.
type AgentState struct {
	AgentID  string    `json:"agent_id"`
	Status   Status    `json:"status"`
	LastPing time.Time `json:"last_ping"`
}

// TransitionFunc is called when an agent changes between alive and stale.
type TransitionFunc func(agentID string, status Status, lastPing time.Time)

// Tracker records pings and detects agents going silent.
type Tracker struct {
	mu         sync.Mutex
	lastPing   map[string]time.Time
	stale      map[string]bool
	staleAfter time.Duration
	onChange   TransitionFunc
}

// NewTracker creates a tracker that flags agents silent for longer than
// staleAfter. onChange may be nil.
func NewTracker(staleAfter time.Duration, onChange TransitionFunc) *Tracker {
	return &Tracker{
		lastPing:   make(map[string]time.Time),
		stale:      make(map[string]bool),
		staleAfter: staleAfter,
		onChange:   onChange,
	}
}

// RecordPing notes a ping from the agent. A stale agent pinging again
// triggers a recovery transition.
func (t *Tracker) RecordPing(agentID string, at time.Time) {
	t.mu.Lock()
	wasStale := t.stale[agentID]
	t.lastPing[agentID] = at
	t.stale[agentID] = false
	cb := t.onChange
	t.mu.Unlock()

	if wasStale && cb != nil {
		cb(agentID, StatusAlive, at)
	}
}

// Agents returns a snapshot of all known agents.
func (t *Tracker) Agents() []AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]AgentState, 0, len(t.lastPing))
	for id, last := range t.lastPing {
		status := StatusAlive
		if t.stale[id] {
			status = StatusStale
		}
		states = append(states, AgentState{AgentID: id, Status: status, LastPing: last})
	}
	return states
}

// Run scans for silent agents until ctx is cancelled. The scan period is
// a fraction of the stale window so transitions are not detected late.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.scan(now)
		}
	}
}

// scan flags agents whose last ping is older than the stale window.
func (t *Tracker) scan(now time.Time) {
	type transition struct {
		id   string
		last time.Time
	}
	var stale []transition

	t.mu.Lock()
	for id, last := range t.lastPing {
		if !t.stale[id] && now.Sub(last) > t.staleAfter {
			t.stale[id] = true
			stale = append(stale, transition{id: id, last: last})
		}
	}
	cb := t.onChange
	t.mu.Unlock()

	if cb == nil {
		return
	}
	for _, tr := range stale {
		cb(tr.id, StatusStale, tr.last)
	}
}
