package model

import (
	"context"
	"testing"
	"time"

	"github.com/unpod/agentlink/internal/api"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/status"
)

type fakeDaemon struct {
	status   api.Status
	messages []convo.Message
	sent     api.SendResult
	voiceOn  bool
	older    int
	answered map[string]bool
	openedID string
}

func (f *fakeDaemon) Status(context.Context) (api.Status, error) {
	st := f.status
	if f.voiceOn {
		st.Mode = convo.ModeVoice
	}
	return st, nil
}
func (f *fakeDaemon) Open(_ context.Context, id string) error { f.openedID = id; return nil }
func (f *fakeDaemon) CloseConversation(context.Context) error { return nil }
func (f *fakeDaemon) Send(context.Context, string, ...string) (api.SendResult, error) {
	return f.sent, nil
}
func (f *fakeDaemon) StartVoice(context.Context) error { f.voiceOn = true; return nil }
func (f *fakeDaemon) EndVoice(context.Context) error { f.voiceOn = false; return nil }
func (f *fakeDaemon) Messages(context.Context) ([]convo.Message, error) {
	return f.messages, nil
}
func (f *fakeDaemon) LoadOlder(context.Context) (int, error) { return f.older, nil }
func (f *fakeDaemon) AnswerLocation(_ context.Context, id string, granted bool, _ map[string]any) error {
	if f.answered == nil {
		f.answered = make(map[string]bool)
	}
	f.answered[id] = granted
	return nil
}
func (f *fakeDaemon) ShareURL(context.Context) (string, error) { return "https://example.test/t/1", nil }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func text(id string, at time.Time) convo.Message {
	return convo.Message{ID: id, CreatedAt: at, Origin: convo.OriginRemoteAgent, Payload: convo.TextPayload{Content: id}}
}

func ids(msgs []convo.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyKeepsTimelineOrdered(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{})
	for _, m := range []convo.Message{text("b", base.Add(time.Second)), text("a", base), text("c", base.Add(2*time.Second))} {
		if !vm.Apply(api.Event{Kind: "message.upserted", Message: &m}) {
			t.Fatal("upsert not applied")
		}
	}
	if got := ids(vm.GetMessages()); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", got)
	}

	moved := text("a", base.Add(3*time.Second))
	vm.Apply(api.Event{Kind: "message.upserted", Message: &moved})
	vm.Apply(api.Event{Kind: "message.removed", RemovedID: "b"})
	if got := ids(vm.GetMessages()); !equal(got, []string{"c", "a"}) {
		t.Fatalf("order after move/remove = %v", got)
	}
	if vm.GetStatus().Messages != 2 {
		t.Errorf("message count = %d, want 2", vm.GetStatus().Messages)
	}
}

func TestApplyChannelEvents(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{})
	vm.Apply(api.Event{Kind: "channel.state_changed", ConversationID: "c1", From: status.Idle, To: status.ActiveText})
	vm.Apply(api.Event{Kind: "channel.mode_changed", Mode: convo.ModeText})
	vm.Apply(api.Event{Kind: "channel.link_changed", Link: pubsub.StatusConnected})

	st := vm.GetStatus()
	if st.ConversationID != "c1" || st.State != status.ActiveText || st.Mode != convo.ModeText || st.Link != pubsub.StatusConnected {
		t.Errorf("status = %+v", st)
	}

	vm.Apply(api.Event{Kind: "channel.error", Op: "voice", Error: "boom"})
	if got := vm.Flash.Get(); got != "voice: boom" {
		t.Errorf("flash = %q", got)
	}
	vm.Apply(api.Event{Kind: "channel.link_changed", Link: pubsub.StatusDisconnected})
	if got := vm.Flash.Get(); got != "link: text link lost, reconnecting" {
		t.Errorf("flash = %q", got)
	}
	vm.Apply(api.Event{Kind: "channel.link_changed", Link: pubsub.StatusConnected})
	if got := vm.Flash.Get(); got != "" {
		t.Errorf("flash after reconnect = %q", got)
	}

	if vm.Apply(api.Event{Kind: "something.else"}) {
		t.Error("unknown event reported as applied")
	}
}

func TestSendQueuedWarns(t *testing.T) {
	pending := convo.Message{ID: "local-1", CreatedAt: base, Origin: convo.OriginLocalUser, Pending: true,
		Payload: convo.TextPayload{Content: "hi"}}
	f := &fakeDaemon{sent: api.SendResult{Message: pending, Delivered: false}}
	vm := NewViewModel(f)

	if err := vm.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	msgs := vm.GetMessages()
	if len(msgs) != 1 || !msgs[0].Pending {
		t.Fatalf("messages = %+v", msgs)
	}
	if vm.Flash.Get() == "" {
		t.Error("expected offline warning")
	}
}

func TestToggleVoice(t *testing.T) {
	f := &fakeDaemon{status: api.Status{Mode: convo.ModeText}}
	vm := NewViewModel(f)
	ctx := context.Background()
	if err := vm.LoadStatus(ctx); err != nil {
		t.Fatal(err)
	}

	if err := vm.ToggleVoice(ctx); err != nil {
		t.Fatal(err)
	}
	if !f.voiceOn || vm.GetStatus().Mode != convo.ModeVoice {
		t.Fatal("voice not started")
	}
	if err := vm.ToggleVoice(ctx); err != nil {
		t.Fatal(err)
	}
	if f.voiceOn {
		t.Fatal("voice not ended")
	}
}

func TestAnswerLatestLocation(t *testing.T) {
	f := &fakeDaemon{messages: []convo.Message{
		{ID: "old", CreatedAt: base, Origin: convo.OriginLocationRequest, Payload: convo.LocationPayload{Status: convo.LocationDeclined}},
		{ID: "new", CreatedAt: base.Add(time.Second), Origin: convo.OriginLocationRequest, Payload: convo.LocationPayload{Status: convo.LocationRequested}},
		text("after", base.Add(2*time.Second)),
	}}
	vm := NewViewModel(f)
	ctx := context.Background()
	if err := vm.LoadMessages(ctx); err != nil {
		t.Fatal(err)
	}
	if got := vm.PendingLocation(); got != "new" {
		t.Fatalf("PendingLocation = %q", got)
	}
	if err := vm.AnswerLatestLocation(ctx, true); err != nil {
		t.Fatal(err)
	}
	if granted, ok := f.answered["new"]; !ok || !granted {
		t.Errorf("answered = %v", f.answered)
	}
}

func TestOpenResetsTimeline(t *testing.T) {
	f := &fakeDaemon{status: api.Status{ConversationID: "c2"}, messages: []convo.Message{text("x", base)}}
	vm := NewViewModel(f)
	m := text("stale", base)
	vm.Apply(api.Event{Kind: "message.upserted", Message: &m})

	if err := vm.Open(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	if f.openedID != "c2" {
		t.Errorf("opened %q", f.openedID)
	}
	if got := ids(vm.GetMessages()); !equal(got, []string{"x"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestLoadOlderNothingLeft(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{older: 0})
	if err := vm.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if vm.Flash.Get() != "No older messages" {
		t.Errorf("flash = %q", vm.Flash.Get())
	}
}
