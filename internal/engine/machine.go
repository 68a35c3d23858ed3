package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/model"
)

// transitions is the permitted state graph. Terminal states have no
// outgoing edges.
var transitions = map[model.ExecutionState][]model.ExecutionState{
	model.StateInit: {
		model.StateAiFetching,
		model.StateTimedOut,
		model.StateCancelled,
	},
	model.StateAiFetching: {
		model.StateAnalyzing,
		model.StateTimedOut,
		model.StateCancelled,
	},
	model.StateAnalyzing: {
		model.StateCompleted,
		model.StateFailed,
		model.StateTimedOut,
		model.StateCancelled,
	},
}

// Machine tracks one execution's lifecycle state. Attempts to leave a
// terminal state are no-ops: logged as warnings, never an error.
type Machine struct {
	mu          sync.Mutex
	executionID string
	state       model.ExecutionState
	reason      string
}

// NewMachine creates a state machine in Init.
func NewMachine(executionID string) *Machine {
	return &Machine{
		executionID: executionID,
		state:       model.StateInit,
	}
}

// State returns the current state.
func (m *Machine) State() model.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reason returns the failure reason recorded with the last transition.
func (m *Machine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Transition moves to the target state. Returns true when the transition was
// applied. Invalid transitions, including any attempt out of a terminal
// state, are rejected with a warning.
func (m *Machine) Transition(to model.ExecutionState, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == to {
		return false
	}
	if m.state.Terminal() {
		zap.L().Warn("ignoring transition out of terminal state",
			zap.String("execution_id", m.executionID),
			zap.String("from", string(m.state)),
			zap.String("to", string(to)),
		)
		return false
	}
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			zap.L().Debug("execution state transition",
				zap.String("execution_id", m.executionID),
				zap.String("from", string(m.state)),
				zap.String("to", string(to)),
			)
			m.state = to
			m.reason = reason
			return true
		}
	}

	zap.L().Warn("rejecting invalid state transition",
		zap.String("execution_id", m.executionID),
		zap.String("from", string(m.state)),
		zap.String("to", string(to)),
	)
	return false
}
