package api

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/channel"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeConversation struct {
	mu       sync.Mutex
	state    status.State
	id       string
	mode     convo.Mode
	msgs     []convo.Message
	sendErr  error
	voiceErr error
	opened   []string
	switched []string
	answers  map[string]bool
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{state: status.Idle, mode: convo.ModeIdle, answers: map[string]bool{}}
}

func (f *fakeConversation) Open(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	f.id, f.state, f.mode = id, status.ActiveText, convo.ModeText
	return nil
}

func (f *fakeConversation) Switch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, id)
	f.id = id
	return nil
}

func (f *fakeConversation) Close(context.Context) error { return nil }

func (f *fakeConversation) Send(_ context.Context, content string, files []convo.FileRef) (convo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := convo.NewPendingSend(f.id, content, files, time.Now())
	f.msgs = append(f.msgs, p.Message())
	return p.Message(), f.sendErr
}

func (f *fakeConversation) StartVoice(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voiceErr
}

func (f *fakeConversation) EndVoice(context.Context) error { return nil }

func (f *fakeConversation) setErrors(send, voice error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr, f.voiceErr = send, voice
}

func (f *fakeConversation) LoadOlder(context.Context) (int, error) { return 0, nil }

func (f *fakeConversation) AnswerLocation(_ context.Context, id string, granted bool, _ map[string]any) error {
	if id == "missing" {
		return channel.ErrUnknownMessage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[id] = granted
	return nil
}

func (f *fakeConversation) Messages() []convo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]convo.Message(nil), f.msgs...)
}

func (f *fakeConversation) Mode() convo.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeConversation) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConversation) ConversationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeConversation) LinkStatus() pubsub.Status { return pubsub.StatusConnected }

type fakeUploader struct{}

func (fakeUploader) UploadFile(_ context.Context, name string, r io.Reader) (convo.FileRef, error) {
	_, _ = io.ReadAll(r)
	return convo.FileRef{Name: name, URL: "https://cdn.test/" + name}, nil
}

func startServer(t *testing.T, svc *ChannelService) *Client {
	t.Helper()
	// Short path keeps the socket under the 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "agentlink-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	srv := grpc.NewServer()
	Register(srv, svc)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStatusAndOpen(t *testing.T) {
	conv := newFakeConversation()
	client := startServer(t, NewChannelService("work", conv, nil, bus.New(), "https://unpod.test/thread/", nil))
	ctx := context.Background()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != "work" || st.State != status.Idle {
		t.Errorf("Status() = %+v", st)
	}

	if err := client.Open(ctx, "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := client.Open(ctx, "c2"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	conv.mu.Lock()
	opened, switched := conv.opened, conv.switched
	conv.mu.Unlock()
	if len(opened) != 1 || len(switched) != 1 || switched[0] != "c2" {
		t.Errorf("opened = %v, switched = %v; want first open then switch", opened, switched)
	}

	url, err := client.ShareURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://unpod.test/thread/c2" {
		t.Errorf("ShareURL() = %q", url)
	}
}

func TestOpenRequiresID(t *testing.T) {
	client := startServer(t, NewChannelService("p", newFakeConversation(), nil, bus.New(), "", nil))
	err := client.Open(context.Background(), "")
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("Open(\"\") code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestSendUploadsAndReportsPending(t *testing.T) {
	conv := newFakeConversation()
	_ = conv.Open(context.Background(), "c1")
		client := startServer(t, NewChannelService("p", conv, fakeUploader{}, bus.New(), "", nil))
	ctx := context.Background()

	attachment := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(attachment, []byte("png"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := client.Send(ctx, "look", attachment)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !res.Delivered || res.Message.Text() != "look" {
		t.Errorf("Send() = %+v", res)
	}
	files := res.Message.Payload.(convo.TextPayload).Files
	if len(files) != 1 || files[0].URL != "https://cdn.test/photo.png" {
		t.Errorf("attached files = %+v", files)
	}

	conv.setErrors(pubsub.ErrNotConnected, nil)
	res, err = client.Send(ctx, "offline")
	if err != nil {
		t.Fatalf("Send() while offline error = %v, want pending result", err)
	}
	if res.Delivered || !res.Message.Pending {
		t.Errorf("offline Send() = %+v, want undelivered pending message", res)
	}

	msgs, err := client.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("Messages() = %d, want 2", len(msgs))
	}
}

func TestErrorCodes(t *testing.T) {
	conv := newFakeConversation()
	conv.setErrors(nil, channel.ErrNotOpen)
	client := startServer(t, NewChannelService("p", conv, nil, bus.New(), "", nil))
	ctx := context.Background()

	if code := grpcstatus.Code(client.StartVoice(ctx)); code != codes.FailedPrecondition {
		t.Errorf("StartVoice() code = %v, want FailedPrecondition", code)
	}
	conv.setErrors(nil, &channel.StaleResponseError{Op: "voice", ConversationID: "c0"})
	if err := client.StartVoice(ctx); err != nil {
		t.Errorf("stale StartVoice() = %v, want nil", err)
	}
	if code := grpcstatus.Code(client.AnswerLocation(ctx, "missing", true, nil)); code != codes.InvalidArgument {
		t.Errorf("AnswerLocation() code = %v, want InvalidArgument", code)
	}
	if _, err := client.Send(ctx, "with file", "/nonexistent/file"); grpcstatus.Code(err) != codes.Unimplemented {
		t.Errorf("Send() without uploader code = %v, want Unimplemented", grpcstatus.Code(err))
	}
}

func TestWatchStreamsBusEvents(t *testing.T) {
	b := bus.New()
	client := startServer(t, NewChannelService("p", newFakeConversation(), nil, b, "", nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	msg := convo.Message{ID: "m1", CreatedAt: time.Now(), Origin: convo.OriginRemoteAgent, Payload: convo.CardPayload{CardType: convo.CardWeb, Data: map[string]any{"title": "Docs"}}}
	b.Publish(bus.Event{Kind: bus.KindMessageUpserted, ConversationID: "c1", Payload: msg})
	b.Publish(bus.Event{Kind: bus.KindModeChanged, ConversationID: "c1", Payload: convo.ModeVoice})

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	if got[0].Message == nil || got[0].Message.ID != "m1" {
		t.Errorf("first event = %+v", got[0])
	}
	card, ok := got[0].Message.Payload.(convo.CardPayload)
	if !ok || card.CardType != convo.CardWeb || card.Data["title"] != "Docs" {
		t.Errorf("card payload = %+v", got[0].Message.Payload)
	}
	if got[1].Kind != bus.KindModeChanged || got[1].Mode != convo.ModeVoice {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestMessageRoundTripThroughStruct(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	in := convo.Message{
		ID: "loc", CreatedAt: at, Origin: convo.OriginLocationRequest,
		Payload: convo.LocationPayload{Status: convo.LocationRequested},
	}
	out, err := MessageFromMap(messageToMap(in))
	if err != nil {
		t.Fatal(err)
	}
	lp, ok := out.Payload.(convo.LocationPayload)
	if !ok || lp.Status != convo.LocationRequested || !out.CreatedAt.Equal(at) {
		t.Errorf("decoded = %+v", out)
	}
}
