package jobq

import (
	"context"
	"sync"
	"time"
)

// Gate tracks whether the external generation provider is currently rate
// limited. One Gate is shared by every worker loop and by synchronous
// callers of the provider; all access goes through its mutex.
type Gate struct {
	mu      sync.Mutex
	resetAt time.Time
	reason  string
	now     func() time.Time
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// GateStatus is a snapshot of the gate.
type GateStatus struct {
	Limited bool      `json:"limited"`
	ResetAt time.Time `json:"reset_at,omitzero"`
	Reason  string    `json:"reason,omitempty"`
}

// SetLimited closes the gate until the given time. An earlier reset never
// shortens a pause already in force.
func (g *Gate) SetLimited(until time.Time, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.resetAt) {
		g.resetAt = until
		g.reason = reason
	}
}

// Clear reopens the gate immediately.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetAt = time.Time{}
	g.reason = ""
}

// IsLimited reports whether pickups are paused right now.
func (g *Gate) IsLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.resetAt)
}

// ResetAt returns when the current pause ends (zero when open).
func (g *Gate) ResetAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.now().Before(g.resetAt) {
		return time.Time{}
	}
	return g.resetAt
}

// Status returns a snapshot for status endpoints.
func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.now().Before(g.resetAt) {
		return GateStatus{}
	}
	return GateStatus{Limited: true, ResetAt: g.resetAt, Reason: g.reason}
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		reset := g.ResetAt()
		if reset.IsZero() {
			return nil
		}
		t := time.NewTimer(time.Until(reset))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
