package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unpod/agentlink/internal/api"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/tui/ui"
)

// Daemon is the subset of the daemon client the TUI drives.
type Daemon interface {
	Status(ctx context.Context) (api.Status, error)
	Open(ctx context.Context, conversationID string) error
	CloseConversation(ctx context.Context) error
	Send(ctx context.Context, text string, paths ...string) (api.SendResult, error)
	StartVoice(ctx context.Context) error
	EndVoice(ctx context.Context) error
	Messages(ctx context.Context) ([]convo.Message, error)
	LoadOlder(ctx context.Context) (int, error)
	AnswerLocation(ctx context.Context, messageID string, granted bool, data map[string]any) error
	ShareURL(ctx context.Context) (string, error)
}

// ViewModel caches daemon state and folds Watch events into it.
type ViewModel struct {
	mu sync.RWMutex

	client   Daemon
	status   api.Status
	loadedAt time.Time
	messages []convo.Message
	Flash    *ui.FlashModel

	refreshCh chan struct{}
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(c Daemon) *ViewModel {
	return &ViewModel{
		client:    c,
		Flash:     ui.NewFlashModel(),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.client.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.loadedAt = time.Now()
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadMessages replaces the cached timeline with the daemon's.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	msgs, err := vm.client.Messages(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.messages = msgs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open switches the daemon to conversationID and reloads the timeline.
func (vm *ViewModel) Open(ctx context.Context, conversationID string) error {
	if err := vm.client.Open(ctx, conversationID); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.messages = nil
	vm.mu.Unlock()
	if err := vm.LoadStatus(ctx); err != nil {
		return err
	}
	return vm.LoadMessages(ctx)
}

// Close closes the open conversation.
func (vm *ViewModel) Close(ctx context.Context) error {
	if err := vm.client.CloseConversation(ctx); err != nil {
		return err
	}
	return vm.LoadStatus(ctx)
}

// Send posts text with optional attachments. A message the daemon could
// not deliver yet is reported as a warning; it stays pending in the thread.
func (vm *ViewModel) Send(ctx context.Context, text string, paths ...string) error {
	res, err := vm.client.Send(ctx, text, paths...)
	if err != nil {
		return err
	}
	vm.upsert(res.Message)
	if !res.Delivered {
		vm.Flash.Warn("Offline, message queued")
	}
	vm.signalRefresh()
	return nil
}

// ToggleVoice starts voice in text mode and ends it in voice mode.
func (vm *ViewModel) ToggleVoice(ctx context.Context) error {
	vm.mu.RLock()
	mode := vm.status.Mode
	vm.mu.RUnlock()

	var err error
	if mode == convo.ModeVoice {
		err = vm.client.EndVoice(ctx)
	} else {
		err = vm.client.StartVoice(ctx)
	}
	if err != nil {
		return err
	}
	return vm.LoadStatus(ctx)
}

// LoadOlder fetches one more page of history.
func (vm *ViewModel) LoadOlder(ctx context.Context) error {
	n, err := vm.client.LoadOlder(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		vm.Flash.Info("No older messages")
		return nil
	}
	return vm.LoadMessages(ctx)
}

// AnswerLatestLocation answers the most recent open location request.
func (vm *ViewModel) AnswerLatestLocation(ctx context.Context, granted bool) error {
	id := vm.PendingLocation()
	if id == "" {
		vm.Flash.Info("No pending location request")
		return nil
	}
	return vm.AnswerLocation(ctx, id, granted)
}

// AnswerLocation answers the location request messageID.
func (vm *ViewModel) AnswerLocation(ctx context.Context, messageID string, granted bool) error {
	return vm.client.AnswerLocation(ctx, messageID, granted, nil)
}

// ShareURL returns the public link of the open conversation.
func (vm *ViewModel) ShareURL(ctx context.Context) (string, error) {
	return vm.client.ShareURL(ctx)
}

// Apply folds a daemon event into the cached state. It reports whether the
// screen needs redrawing.
func (vm *ViewModel) Apply(ev api.Event) bool {
	switch ev.Kind {
	case "message.upserted":
		if ev.Message == nil {
			return false
		}
		vm.upsert(*ev.Message)
	case "message.removed":
		vm.remove(ev.RemovedID)
	case "channel.mode_changed":
		vm.mu.Lock()
		vm.status.Mode = ev.Mode
		vm.mu.Unlock()
	case "channel.state_changed":
		vm.mu.Lock()
		vm.status.State = ev.To
		if ev.ConversationID != "" {
			vm.status.ConversationID = ev.ConversationID
		}
		vm.mu.Unlock()
	case "channel.link_changed":
		vm.mu.Lock()
		vm.status.Link = ev.Link
		vm.mu.Unlock()
		if ev.Link == pubsub.StatusDisconnected {
			vm.Flash.Report("link", "text link lost, reconnecting")
		} else {
			vm.Flash.Clear("link")
		}
	case "channel.error":
		vm.Flash.Report(ev.Op, ev.Error)
	default:
		return false
	}
	vm.signalRefresh()
	return true
}

func (vm *ViewModel) upsert(m convo.Message) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, cur := range vm.messages {
		if cur.ID == m.ID {
			if cur.CreatedAt.Equal(m.CreatedAt) {
				vm.messages[i] = m
				return
			}
			vm.messages = append(vm.messages[:i], vm.messages[i+1:]...)
			break
		}
	}
	i := sort.Search(len(vm.messages), func(i int) bool {
		return vm.messages[i].CreatedAt.After(m.CreatedAt)
	})
	vm.messages = append(vm.messages, convo.Message{})
	copy(vm.messages[i+1:], vm.messages[i:])
	vm.messages[i] = m
	vm.status.Messages = len(vm.messages)
}

func (vm *ViewModel) remove(id string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, cur := range vm.messages {
		if cur.ID == id {
			vm.messages = append(vm.messages[:i], vm.messages[i+1:]...)
			vm.status.Messages = len(vm.messages)
			return
		}
	}
}

// PendingLocation returns the id of the newest unanswered location
// request, or "".
func (vm *ViewModel) PendingLocation() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for i := len(vm.messages) - 1; i >= 0; i-- {
		if lp, ok := vm.messages[i].Payload.(convo.LocationPayload); ok && lp.Status == convo.LocationRequested {
			return vm.messages[i].ID
		}
	}
	return ""
}

// GetMessages returns a snapshot of the timeline, oldest first.
func (vm *ViewModel) GetMessages() []convo.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]convo.Message, len(vm.messages))
	copy(out, vm.messages)
	return out
}

// GetStatus returns a snapshot of the daemon status.
func (vm *ViewModel) GetStatus() api.Status {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}


// Uptime extrapolates the daemon uptime from the last status load.
func (vm *ViewModel) Uptime() time.Duration {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.loadedAt.IsZero() {
		return 0
	}
	return vm.status.Uptime + time.Since(vm.loadedAt)
}
