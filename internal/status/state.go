// Package status tracks the daemon's connection state.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/vksync/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Closing      State = "CLOSING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. CLOSING is terminal.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Closing, Error},
	AuthRequired: {Connecting, Closing, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Closing, Error},
	Syncing:      {Ready, Reconnecting, Degraded, AuthRequired, Closing, Error},
	Ready:        {Syncing, Reconnecting, Degraded, AuthRequired, Closing, Error},
	Reconnecting: {Connecting, Syncing, Degraded, AuthRequired, Closing, Error},
	Degraded:     {Connecting, Syncing, Reconnecting, Ready, AuthRequired, Closing, Error},
	Error:        {Booting, Closing},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether moving to the given state is allowed now.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(validTransitions[m.current], to)
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindStatusChanged,
			Payload: StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
