package session

import (
	"sync"

	"github.com/celerix-dev/celerix-moments/internal/clock"
)

// Machine tracks the State of every user. Users never seen are Idle.
type Machine struct {
	mu     sync.Mutex
	clock  clock.Clock
	states map[string]State
}

func NewMachine(c clock.Clock) *Machine {
	return &Machine{clock: clock.OrSystem(c), states: make(map[string]State)}
}

// Get returns the current state of a user.
func (m *Machine) Get(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[userID]; ok {
		return s
	}
	return State{Mode: Idle}
}

// Apply moves the user along trigger t and returns the previous and new state.
// On error the state is left untouched.
func (m *Machine) Apply(userID string, t Trigger) (prev, next State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.states[userID]
	if !ok {
		prev = State{Mode: Idle}
	}
	next, err = Transition(prev, t, m.clock.Now())
	if err != nil {
		return prev, prev, err
	}
	if next.Mode == Idle {
		delete(m.states, userID)
	} else {
		m.states[userID] = next
	}
	return prev, next, nil
}

// Reset drops any state held for the user.
func (m *Machine) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
}

// Len returns the number of users in a non-Idle mode.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
