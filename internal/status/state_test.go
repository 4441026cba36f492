package status

import (
	"testing"

	"github.com/unpod/agentlink/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, SubscribingText},
		{Idle, Closed},
		{SubscribingText, ActiveText},
		{SubscribingText, Idle},
		{ActiveText, ActiveVoice},
		{ActiveVoice, ActiveText},
		{ActiveVoice, Closed},
		{Closed, Idle},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestEveryStateCanClose(t *testing.T) {
	for _, s := range []State{Idle, SubscribingText, ActiveText, ActiveVoice} {
		m := NewMachine(nil)
		walkTo(t, m, s)
		if err := m.Transition(Closed); err != nil {
			t.Errorf("Transition(%s -> CLOSED) error = %v", s, err)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(ActiveVoice); err == nil {
		t.Error("Transition(IDLE -> ACTIVE_VOICE) should fail")
	}
	if m.Current() != Idle {
		t.Errorf("state = %s, want IDLE (should not have changed)", m.Current())
	}
}

// TestVoiceRequiresText verifies that voice mode is only entered from an
// established text subscription.
func TestVoiceRequiresText(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, SubscribingText)
	if err := m.Transition(ActiveVoice); err == nil {
		t.Fatal("Transition(SUBSCRIBING_TEXT -> ACTIVE_VOICE) should fail")
	}
}

func TestClosedLeavesOnlyToIdle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Closed)
	if err := m.Transition(ActiveText); err == nil {
		t.Fatal("Transition(CLOSED -> ACTIVE_TEXT) should fail")
	}
	if err := m.Transition(Idle); err != nil {
		t.Fatalf("Transition(CLOSED -> IDLE): %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	m := NewMachine(b)
	m.SetScope("c1")
	if err := m.Transition(SubscribingText); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStateChanged)
	}
	if evt.ConversationID != "c1" {
		t.Errorf("event conversation = %q, want c1", evt.ConversationID)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != SubscribingText {
		t.Errorf("change = %v -> %v, want IDLE -> SUBSCRIBING_TEXT", change.From, change.To)
	}
}

// TestVoiceRoundTrip walks a full open, voice, back-to-text, close cycle.
func TestVoiceRoundTrip(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{SubscribingText, ActiveText, ActiveVoice, ActiveText, Closed} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !ActiveVoice.Active() || Closed.Active() {
		t.Error("Active() classification wrong")
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:            {},
		SubscribingText: {SubscribingText},
		ActiveText:      {SubscribingText, ActiveText},
		ActiveVoice:     {SubscribingText, ActiveText, ActiveVoice},
		Closed:          {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
