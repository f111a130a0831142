package risk

import (
	"context"
	"sync"
	"time"
)

// VelocityTracker counts recent transactions per agent over a trailing
// window. The aggregator uses it for the velocity signal.
type VelocityTracker interface {
	// Record notes one transaction for the agent at time at.
	Record(ctx context.Context, agentID string, at time.Time) error

	// Count returns the number of transactions within the trailing window
	// ending now.
	Count(ctx context.Context, agentID string, window time.Duration) (int, error)
}

// MemoryTracker is an in-process velocity tracker for tests and single-node
// deployments. Timestamps older than maxAge are pruned on access.
type MemoryTracker struct {
	mu     sync.Mutex
	events map[string][]time.Time
	maxAge time.Duration
}

// NewMemoryTracker creates a tracker that retains events for maxAge.
func NewMemoryTracker(maxAge time.Duration) *MemoryTracker {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &MemoryTracker{events: make(map[string][]time.Time), maxAge: maxAge}
}

func (t *MemoryTracker) Record(ctx context.Context, agentID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[agentID] = append(t.prune(agentID, time.Now()), at)
	return nil
}

func (t *MemoryTracker) Count(ctx context.Context, agentID string, window time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.events[agentID] = t.prune(agentID, now)
	cutoff := now.Add(-window)
	n := 0
	for _, at := range t.events[agentID] {
		if at.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// prune drops events older than maxAge. Caller holds the lock.
func (t *MemoryTracker) prune(agentID string, now time.Time) []time.Time {
	cutoff := now.Add(-t.maxAge)
	kept := t.events[agentID][:0]
	for _, at := range t.events[agentID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
