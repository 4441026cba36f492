package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/unpod/agentlink/internal/bus"
)

// State is the lifecycle state of a conversation channel.
type State string

const (
	Idle            State = "IDLE"
	SubscribingText State = "SUBSCRIBING_TEXT"
	ActiveText      State = "ACTIVE_TEXT"
	ActiveVoice     State = "ACTIVE_VOICE"
	Closed          State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is reachable
// from everywhere; leaving it requires a conversation switch.
var validTransitions = map[State][]State{
	Idle:            {SubscribingText, Closed},
	SubscribingText: {ActiveText, Idle, Closed},
	ActiveText:      {ActiveVoice, Closed},
	ActiveVoice:     {ActiveText, Closed},
	Closed:          {Idle},
}

// Active reports whether s is one of the active modes.
func (s State) Active() bool {
	return s == ActiveText || s == ActiveVoice
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	// scope tags published events, normally the conversation id.
	scope string
}

// NewMachine creates a machine in the Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetScope sets the conversation id attached to published transitions.
func (m *Machine) SetScope(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope = conversationID
}

// Transition moves to a new state. Returns an error if the transition is
// not in the table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.KindStateChanged,
			ConversationID: m.scope,
			Timestamp:      time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
