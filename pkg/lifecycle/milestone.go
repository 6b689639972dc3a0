package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// MilestoneSignal marks "unsafe operation about to begin", worker to
// observer.
const MilestoneSignal = syscall.SIGUSR1

// SignalMilestone sends the milestone signal to targetPID. Non-blocking;
// failure is logged and swallowed because the protocol is advisory and the
// unsafe operation must proceed regardless.
func SignalMilestone(targetPID int, logger *slog.Logger) {
	if err := syscall.Kill(targetPID, MilestoneSignal); err != nil {
		logger.Warn("milestone signal failed", "target_pid", targetPID, "error", err)
		return
	}
	logger.Debug("milestone signaled", "target_pid", targetPID)
}

// MilestoneResult is the outcome of waiting for the milestone.
type MilestoneResult string

// Milestone wait outcomes. A timeout is valid, not an error: a deadlocked
// worker by definition never reaches the milestone.
const (
	MilestoneReceived MilestoneResult = "received"
	MilestoneTimedOut MilestoneResult = "timed_out"
)

// Observer watches for the milestone signal. The signal relay only stores
// into an atomic flag; waiters poll the flag, so nothing on the handler
// path allocates or takes a lock shared with the faulting process state.
type Observer struct {
	ch       chan os.Signal
	received atomic.Bool
	closed   atomic.Bool
}

// NewObserver installs milestone notification for this process.
func NewObserver() *Observer {
	o := &Observer{ch: make(chan os.Signal, 1)}
	signal.Notify(o.ch, MilestoneSignal)
	go func() {
		for range o.ch {
			o.received.Store(true)
		}
	}()
	return o
}

// Await blocks until the milestone is observed or the timeout elapses,
// polling the flag at the given interval. Context cancellation counts as a
// timeout.
func (o *Observer) Await(ctx context.Context, timeout, poll time.Duration) MilestoneResult {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if o.received.Load() {
			return MilestoneReceived
		}
		if time.Now().After(deadline) {
			return MilestoneTimedOut
		}
		select {
		case <-ctx.Done():
			return MilestoneTimedOut
		case <-ticker.C:
		}
	}
}

// Received reports whether the milestone has been observed so far.
func (o *Observer) Received() bool {
	return o.received.Load()
}

// Reset clears the flag for the next worker invocation.
func (o *Observer) Reset() {
	o.received.Store(false)
}

// Close stops notification. Idempotent.
func (o *Observer) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	signal.Stop(o.ch)
	close(o.ch)
}
