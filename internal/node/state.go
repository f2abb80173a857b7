package node

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a node.
type State int

const (
	Uninitialized State = iota
	Initializing
	Running
	Degraded
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Uninitialized: {Initializing},
	Initializing:  {Running, ShuttingDown},
	Running:       {Degraded, ShuttingDown},
	Degraded:      {ShuttingDown},
	ShuttingDown:  {Stopped},
}

// TransitionError is returned for a transition the state machine forbids.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// stateMachine guards NodeState transitions with one lock.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next if the current state allows it.
func (m *stateMachine) transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return &TransitionError{From: m.state, To: next}
}
