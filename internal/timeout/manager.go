// Package timeout tracks one deadline per execution and fires a callback
// exactly once when it elapses.
package timeout

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	timer    *time.Timer
	deadline time.Time
	fired    bool
}

// Manager owns the per-execution timers. It is a process-wide singleton:
// all methods are safe for concurrent callers across executions.
type Manager struct {
	mu     sync.Mutex
	timers map[string]*entry
}

// NewManager creates an empty timeout manager.
func NewManager() *Manager {
	return &Manager{
		timers: make(map[string]*entry),
	}
}

// Start arms a timer for the execution. The callback fires exactly once
// after d elapses, unless Cancel is called first. Starting a timer for an
// execution that already has one replaces the old timer without firing it.
// Callback panics are recovered and logged; they never take down the process.
func (m *Manager) Start(executionID string, d time.Duration, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.timers[executionID]; ok {
		old.timer.Stop()
	}

	e := &entry{deadline: time.Now().Add(d)}
	e.timer = time.AfterFunc(d, func() {
		m.fire(executionID, e, callback)
	})
	m.timers[executionID] = e
}

func (m *Manager) fire(executionID string, e *entry, callback func()) {
	m.mu.Lock()
	current, ok := m.timers[executionID]
	if !ok || current != e || e.fired {
		m.mu.Unlock()
		return
	}
	e.fired = true
	delete(m.timers, executionID)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("timeout callback panicked",
				zap.String("execution_id", executionID),
				zap.Any("panic", r),
			)
		}
	}()
	callback()
}

// Cancel disarms the execution's timer. Returns false when no timer is
// active, either because none was started or because it already fired.
func (m *Manager) Cancel(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[executionID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.timers, executionID)
	return true
}

// Remaining returns the time left before the execution's timer fires, or
// zero when no timer is active.
func (m *Manager) Remaining(executionID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[executionID]
	if !ok {
		return 0
	}
	left := time.Until(e.deadline)
	if left < 0 {
		return 0
	}
	return left
}

// IsActive reports whether a timer is armed for the execution.
func (m *Manager) IsActive(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[executionID]
	return ok
}

// ActiveCount returns the number of armed timers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
