package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Tracker records a worker's own lifecycle progression. Milestones only
// move forward; observers that miss an intermediate state can rely on a
// later state implying the earlier ones.
type Tracker struct {
	mu     sync.Mutex
	state  protocol.LifecycleState
	logger *slog.Logger
}

// NewTracker starts a tracker at StateCreated.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{state: protocol.StateCreated, logger: logger}
}

// Advance moves to the next lifecycle state. Regressions are programmer
// errors and are rejected.
func (t *Tracker) Advance(next protocol.LifecycleState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !next.Covers(t.state) {
		return fmt.Errorf("lifecycle cannot regress from %s to %s", t.state, next)
	}
	if next == t.state {
		return nil
	}
	t.logger.Debug("lifecycle transition", "from", string(t.state), "to", string(next))
	t.state = next
	return nil
}

// State returns the current lifecycle state.
func (t *Tracker) State() protocol.LifecycleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
