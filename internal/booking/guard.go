package booking

import (
	"sync"
	"time"
)

// DefaultConfirmTimeout is how long an armed destructive action stays
// valid before the caller must be asked again.
const DefaultConfirmTimeout = 30 * time.Second

// Guard enforces ask-before-you-act for irreversible actions. A handler
// arms the guard when it first asks the caller, then validates on the
// confirming turn. At most one confirmation is outstanding at a time;
// state is cleared on every Validate outcome so a stale yes can never be
// replayed.
type Guard struct {
	mu      sync.Mutex
	pending *PendingConfirmation
	timeout time.Duration
	now     func() time.Time
}

// NewGuard creates a guard with the given confirmation timeout. A zero
// timeout selects DefaultConfirmTimeout.
func NewGuard(timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Guard{
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Arm records a pending confirmation for the given action type, replacing
// any previous one.
func (g *Guard) Arm(actionType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = &PendingConfirmation{
		ActionType:  actionType,
		RequestedAt: g.now(),
	}
}

// Validate succeeds only if a confirmation is pending, matches the
// expected action type, and has not expired. State is cleared on every
// outcome, so a second Validate without re-arming always fails.
func (g *Guard) Validate(expectedType string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := g.pending
	g.pending = nil

	if pending == nil {
		return false, "no confirmation pending"
	}
	if pending.ActionType != expectedType {
		return false, "pending confirmation is for a different action"
	}
	if g.now().Sub(pending.RequestedAt) >= g.timeout {
		return false, "confirmation expired"
	}
	return true, ""
}

// Pending reports whether a confirmation is currently armed and for what
// action type.
func (g *Guard) Pending() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return "", false
	}
	return g.pending.ActionType, true
}

// Clear drops any pending confirmation.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
}
