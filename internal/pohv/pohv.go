// Package pohv implements the proof-of-human-value heartbeat monitor:
// a human operator must check in periodically or the node locks.
package pohv

import "sync"

// Status is the three-state PoHV lifecycle.
type Status string

const (
	Active  Status = "Active"
	Warning Status = "Warning"
	Locked  Status = "Locked"
)

// Default timeout and warning window, in seconds.
const (
	DefaultTimeoutSecs int64 = 3600
	DefaultWarningSecs int64 = 300
)

// State is the derived, point-in-time PoHV snapshot.
type State struct {
	Status            Status
	SecondsRemaining  int64
	LastInteraction   int64
}

// Monitor is the single process-wide heartbeat tracker. Guarded by one
// exclusive lock, matching the per-component lock model.
type Monitor struct {
	mu              sync.Mutex
	lastInteraction int64
	timeoutSecs     int64
	warningSecs     int64
	now             func() int64
}

// New constructs a Monitor with the given timeout/warning thresholds and
// an injected clock (so tests control elapsed time deterministically).
func New(timeoutSecs, warningSecs int64, clock func() int64) *Monitor {
	m := &Monitor{
		timeoutSecs: timeoutSecs,
		warningSecs: warningSecs,
		now:         clock,
	}
	m.lastInteraction = clock()
	return m
}

// RegisterHeartbeat records a live human interaction at the current time.
func (m *Monitor) RegisterHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInteraction = m.now()
}

// GetState derives the current status purely from elapsed time against
// the configured timeout and warning threshold.
func (m *Monitor) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	elapsed := now - m.lastInteraction
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := m.timeoutSecs - elapsed
	if remaining < 0 {
		remaining = 0
	}

	var status Status
	switch {
	case remaining == 0:
		status = Locked
	case remaining < m.warningSecs:
		status = Warning
	default:
		status = Active
	}

	return State{
		Status:           status,
		SecondsRemaining: remaining,
		LastInteraction:  m.lastInteraction,
	}
}

// IsLocked reports whether the monitor is currently in the Locked state.
func (m *Monitor) IsLocked() bool {
	return m.GetState().Status == Locked
}
