// Package channel owns the live connection to one conversation. It opens the
// pub/sub text link, escalates to a voice session on request, and merges
// everything both transports deliver into a single ordered timeline.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/media"
	"github.com/unpod/agentlink/internal/outbox"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/restapi"
	"github.com/unpod/agentlink/internal/status"
	"github.com/unpod/agentlink/internal/tokens"
	"go.uber.org/zap"
)

// PubSub opens the text link. *pubsub.Link implements it.
type PubSub interface {
	ConnectURL(ctx context.Context, url, channelName, authToken string, onEvent func(pubsub.Event), onStatus func(pubsub.Status)) (pubsub.Handle, error)
}

// MediaLink joins voice rooms. *media.Link implements it.
type MediaLink interface {
	Join(ctx context.Context, url, token string) (media.Session, error)
}

// API is the part of the backend the channel needs. *restapi.Client
// implements it.
type API interface {
	RealtimeCredentials(ctx context.Context, conversationID string) (restapi.RealtimeCredentials, error)
	RoomToken(ctx context.Context, conversationID string) (convo.RoomToken, error)
	History(ctx context.Context, conversationID string, before time.Time, limit int) ([]convo.Block, error)
}

// Deps are the collaborators of a Channel. API, PubSub and Media are
// required; the rest default to in-memory instances.
type Deps struct {
	API    API
	PubSub PubSub
	Media  MediaLink
	Tokens *tokens.Cache
	Queue  *outbox.Queue
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Options tune a Channel.
type Options struct {
	// Pilot is the agent handle stamped on outbound events.
	Pilot string
	// MediaURL is used when a room token carries no server URL.
	MediaURL string
	// HistoryPageSize is the number of blocks fetched per history page.
	HistoryPageSize int
	// OnOpen runs after a conversation becomes active.
	OnOpen func(conversationID string)
}

// Channel is the conversation channel. All methods are safe for concurrent
// use.
type Channel struct {
	api    API
	ps     PubSub
	ml     MediaLink
	tokens *tokens.Cache
	queue  *outbox.Queue
	sender *outbox.Sender
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	machine *status.Machine

	mu       sync.Mutex
	gen      uint64
	convID   string
	handle   pubsub.Handle
	session  media.Session
	link     pubsub.Status
	mode     convo.Mode
	timeline *timeline
	oldest   time.Time
	// exhausted is set once a history page came back short.
	exhausted bool
	joining   bool
	shutdown  bool

	inbox     chan inbound
	stop      chan struct{}
	mergeDone chan struct{}
	stopOnce  sync.Once
}

// New creates an idle channel and starts its merge loop. Call Shutdown to
// release it.
func New(d Deps, opts Options) *Channel {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if d.Tokens == nil {
		d.Tokens = tokens.New(0)
	}
	if d.Queue == nil {
		d.Queue = outbox.NewQueue(nil, d.Logger)
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 20
	}

	c := &Channel{
		api:       d.API,
		ps:        d.PubSub,
		ml:        d.Media,
		tokens:    d.Tokens,
		queue:     d.Queue,
		bus:       d.Bus,
		logger:    d.Logger.Named("channel"),
		opts:      opts,
		now:       time.Now,
		machine:   status.NewMachine(d.Bus),
		mode:      convo.ModeIdle,
		timeline:  &timeline{},
		inbox:     make(chan inbound, 256),
		stop:      make(chan struct{}),
		mergeDone: make(chan struct{}),
	}
	c.sender = outbox.NewSender(c.queue, c, d.Logger)
	c.sender.Start(context.Background())
	go c.mergeLoop()
	return c
}

// Open subscribes to conversationID over the text link and loads the newest
// history page. The channel must be idle.
func (c *Channel) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("channel: empty conversation id")
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	switch st := c.machine.Current(); st {
	case status.Idle:
	case status.Closed:
		c.mu.Unlock()
		return ErrConversationClosed
	default:
		same := c.convID == conversationID
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyOpen
	}
	c.gen++
	gen := c.gen
	c.convID = conversationID
	c.timeline = &timeline{}
	c.oldest = time.Time{}
	c.exhausted = false
	c.machine.SetScope(conversationID)
	_ = c.machine.Transition(status.SubscribingText)
	c.mu.Unlock()

	log := c.logger.With(zap.String("conversation_id", conversationID))
	log.Info("opening conversation")

	creds, err := c.api.RealtimeCredentials(ctx, conversationID)
	if err != nil {
		return c.openFailed(gen, fmt.Errorf("realtime credentials: %w", err))
	}
	if !c.current(gen) {
		return &StaleResponseError{Op: "open", ConversationID: conversationID}
	}

	h, err := c.ps.ConnectURL(ctx, creds.URL, creds.Channel, creds.Token,
		func(e pubsub.Event) { c.post(inbound{gen: gen, kind: inPubSub, event: e}) },
		func(s pubsub.Status) { c.post(inbound{gen: gen, kind: inLink, link: s}) },
	)
	if err != nil {
		return c.openFailed(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		h.Disconnect()
		log.Debug("discarding stale subscription")
		return &StaleResponseError{Op: "open", ConversationID: conversationID}
	}
	c.handle = h
	c.mode = convo.ModeText
	_ = c.machine.Transition(status.ActiveText)
	c.mu.Unlock()
	c.publishMode(conversationID, convo.ModeText)
	log.Info("conversation active")

	c.restorePending(gen, conversationID)
	if _, err := c.loadPage(ctx, gen, conversationID, time.Time{}); err != nil && !IsStale(err) {
		log.Warn("failed to load history", zap.Error(err))
		c.surface(gen, "history", err)
	}
	c.sender.Kick()
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(conversationID)
	}
	return nil
}

func (c *Channel) openFailed(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		conv := c.convID
		c.mu.Unlock()
		return &StaleResponseError{Op: "open", ConversationID: conv}
	}
	_ = c.machine.Transition(status.Idle)
	c.mu.Unlock()
	c.logger.Error("open failed", zap.Error(err))
	c.surface(gen, "open", err)
	return err
}

// Close tears down both transports. The channel stays closed until Switch.
// Close is idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.machine.Current() == status.Closed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	h, sess, conv := c.handle, c.session, c.convID
	c.handle = nil
	c.session = nil
	c.joining = false
	c.link = ""
	c.mode = convo.ModeIdle
	_ = c.machine.Transition(status.Closed)
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Leave(ctx)
	}
	if h != nil {
		h.Disconnect()
	}
	c.publishMode(conv, convo.ModeIdle)
	c.logger.Info("conversation closed", zap.String("conversation_id", conv))
	return err
}

// Switch closes the current conversation and opens conversationID. Late
// results of operations started for the previous conversation are
// discarded.
func (c *Channel) Switch(ctx context.Context, conversationID string) error {
	prev := c.ConversationID()
	if err := c.Close(ctx); err != nil {
		c.logger.Warn("close before switch", zap.Error(err))
	}

	c.mu.Lock()
	if prev != "" && prev != conversationID {
		c.tokens.Invalidate(prev)
		c.queue.Forget(prev)
	}
	c.timeline = &timeline{}
	_ = c.machine.Transition(status.Idle)
	c.mu.Unlock()

	return c.Open(ctx, conversationID)
}

// Shutdown closes the channel and stops its background loops.
func (c *Channel) Shutdown(ctx context.Context) error {
	err := c.Close(ctx)
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()
		close(c.stop)
		<-c.mergeDone
		c.sender.Stop()
	})
	return err
}

// LoadOlder fetches the page of history before the oldest server message
// already in the timeline. It returns the number of messages merged; zero
// once history is exhausted.
func (c *Channel) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	if !c.machine.Current().Active() {
		c.mu.Unlock()
		return 0, ErrNotOpen
	}
	if c.exhausted {
		c.mu.Unlock()
		return 0, nil
	}
	gen, conv, before := c.gen, c.convID, c.oldest
	c.mu.Unlock()

	n, err := c.loadPage(ctx, gen, conv, before)
	if IsStale(err) {
		return 0, nil
	}
	return n, err
}

func (c *Channel) loadPage(ctx context.Context, gen uint64, conv string, before time.Time) (int, error) {
	blocks, err := c.api.History(ctx, conv, before, c.opts.HistoryPageSize)
	if err != nil {
		return 0, err
	}
	if !c.current(gen) {
		return 0, &StaleResponseError{Op: "history", ConversationID: conv}
	}
	n := 0
	for _, b := range blocks {
		m, err := b.ToMessage()
		if err != nil {
			c.logger.Warn("skipping history block", zap.Error(err))
			continue
		}
		if c.mergeServer(gen, m, false) {
			n++
		}
	}
	if len(blocks) < c.opts.HistoryPageSize {
		c.mu.Lock()
		if c.gen == gen {
			c.exhausted = true
		}
		c.mu.Unlock()
	}
	return n, nil
}

func (c *Channel) restorePending(gen uint64, conv string) {
	restored, err := c.queue.Restore(conv)
	if err != nil {
		c.logger.Warn("failed to restore pending sends", zap.Error(err))
		return
	}
	for _, p := range restored {
		c.upsert(gen, p.Message())
	}
	if len(restored) > 0 {
		c.logger.Info("restored pending sends", zap.Int("count", len(restored)))
	}
}

// Messages returns a snapshot of the timeline, oldest first.
func (c *Channel) Messages() []convo.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.snapshot()
}

// Mode returns the active connection mode.
func (c *Channel) Mode() convo.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// State returns the lifecycle state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// ConversationID returns the conversation the channel is bound to.
func (c *Channel) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// LinkStatus returns the last reported status of the text link.
func (c *Channel) LinkStatus() pubsub.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// Bus returns the event bus the channel publishes on.
func (c *Channel) Bus() *bus.Bus { return c.bus }

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// surface reports err to the UI once, unless gen is stale.
func (c *Channel) surface(gen uint64, op string, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conv := c.convID
	c.mu.Unlock()
	c.bus.Publish(bus.Event{
		Kind:           bus.KindError,
		ConversationID: conv,
		Payload:        ErrorEvent{Op: op, Err: err},
	})
}

func (c *Channel) publishMode(conv string, m convo.Mode) {
	c.bus.Publish(bus.Event{Kind: bus.KindModeChanged, ConversationID: conv, Payload: m})
}
