// Package pubsub maintains the WebSocket publish/subscribe connection that
// carries conversation events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is the connection status reported to the owner of a handle.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Config controls dialing and reconnection.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ClientName       string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "agentlink"
	}
	return c
}

// Handle is one logical subscription returned by Connect.
type Handle interface {
	// Send publishes env on the channel. It fails with ErrNotConnected while
	// the link is reconnecting; it never buffers.
	Send(ctx context.Context, env Envelope) error
	Status() Status
	// Disconnect closes the connection and stops reconnecting. Idempotent.
	Disconnect()
}

// Link dials pub/sub connections.
type Link struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewLink creates a link for the server at cfg.URL.
func NewLink(cfg Config, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{
		cfg:    cfg.withDefaults(),
		dialer: websocket.DefaultDialer,
		logger: logger.Named("pubsub"),
	}
}

// Connect opens a connection to the configured URL subscribed to
// channelName. onStatus receives StatusConnected once before the first
// onEvent call. Both callbacks run on the connection's reader goroutine, so
// events arrive in order.
func (l *Link) Connect(ctx context.Context, channelName, authToken string, onEvent func(Event), onStatus func(Status)) (Handle, error) {
	return l.ConnectURL(ctx, "", channelName, authToken, onEvent, onStatus)
}

// ConnectURL is Connect against url instead of the configured URL. An empty
// url falls back to the configured one.
func (l *Link) ConnectURL(ctx context.Context, url, channelName, authToken string, onEvent func(Event), onStatus func(Status)) (Handle, error) {
	if url == "" {
		url = l.cfg.URL
	}
	if url == "" {
		return nil, &ConnectionError{Op: "dial", Err: errors.New("no server url")}
	}
	if channelName == "" || authToken == "" {
		return nil, ErrEmptyCredentials
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}

	c := &conn{
		link:     l,
		url:      url,
		channel:  channelName,
		token:    authToken,
		onEvent:  onEvent,
		onStatus: onStatus,
		status:   StatusDisconnected,
		pending:  make(map[uint32]chan reply),
		logger:   l.logger.With(zap.String("channel", channelName)),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ws, early, err := c.handshake(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.attach(ws, early)
	return c, nil
}

type conn struct {
	link     *Link
	url      string
	channel  string
	token    string
	onEvent  func(Event)
	onStatus func(Status)
	logger   *zap.Logger

	// ctx is cancelled by Disconnect and bounds reconnection.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ws      *websocket.Conn
	status  Status
	pending map[uint32]chan reply
	closed  bool

	writeMu sync.Mutex
	nextID  atomic.Uint32
	once    sync.Once
}

// handshake dials, connects and subscribes. Pushes the server sent during
// the handshake are returned for the reader to dispatch first.
func (c *conn) handshake(ctx context.Context) (*websocket.Conn, []reply, error) {
	hctx, cancel := context.WithTimeout(ctx, c.link.cfg.HandshakeTimeout)
	defer cancel()

	fail := func(op string, err error) error {
		var ne net.Error
		if hctx.Err() != nil {
			err = hctx.Err()
		} else if errors.As(err, &ne) && ne.Timeout() {
			err = context.DeadlineExceeded
		}
		return &ConnectionError{Op: op, Err: err}
	}

	ws, _, err := c.link.dialer.DialContext(hctx, c.url, nil)
	if err != nil {
		return nil, nil, fail("dial", err)
	}
	if deadline, ok := hctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(hctx, func() { _ = ws.Close() })

	early, err := c.roundTrip(ws, command{Connect: &connectRequest{Token: c.token, Name: c.link.cfg.ClientName}})
	if err != nil {
		stop()
		_ = ws.Close()
		return nil, nil, fail("connect", err)
	}
	more, err := c.roundTrip(ws, command{Subscribe: &subscribeRequest{Channel: c.channel}})
	if err != nil {
		stop()
		_ = ws.Close()
		return nil, nil, fail("subscribe", err)
	}
	if !stop() {
		return nil, nil, fail("handshake", hctx.Err())
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws, append(early, more...), nil
}

// roundTrip writes cmd and reads frames until its reply arrives. Pushes read
// on the way, including those batched after the reply, are returned in
// order. Used only before the reader goroutine owns the socket.
func (c *conn) roundTrip(ws *websocket.Conn, cmd command) ([]reply, error) {
	cmd.ID = c.nextID.Add(1)
	if err := c.write(ws, cmd); err != nil {
		return nil, err
	}
	var pushes []reply
	for done := false; !done; {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		replies, err := decodeReplies(frame)
		if err != nil {
			return nil, err
		}
		for _, r := range replies {
			switch {
			case r.isPing():
				if err := c.write(ws, struct{}{}); err != nil {
					return nil, err
				}
			case r.ID == cmd.ID:
				if r.Error != nil {
					return nil, r.Error
				}
				done = true
			case r.Push != nil:
				pushes = append(pushes, r)
			}
		}
	}
	return pushes, nil
}

func (c *conn) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// attach installs a handshaken socket and starts reading from it. early
// replies are dispatched before anything read from the socket.
func (c *conn) attach(ws *websocket.Conn, early []reply) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.ws = ws
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info("pubsub connected")
	c.onStatus(StatusConnected)
	go c.readLoop(ws, early)
	return true
}

func (c *conn) readLoop(ws *websocket.Conn, early []reply) {
	for _, r := range early {
		c.dispatch(ws, r)
	}
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.dropped(ws, err)
			return
		}
		replies, err := decodeReplies(frame)
		if err != nil {
			c.logger.Warn("skipping malformed frame", zap.Error(err))
		}
		for _, r := range replies {
			c.dispatch(ws, r)
		}
	}
}

func (c *conn) dispatch(ws *websocket.Conn, r reply) {
	switch {
	case r.isPing():
		if err := c.write(ws, struct{}{}); err != nil {
			c.logger.Warn("failed to answer ping", zap.Error(err))
		}
	case r.ID != 0:
		c.mu.Lock()
		if ch, ok := c.pending[r.ID]; ok {
			ch <- r
			delete(c.pending, r.ID)
		}
		c.mu.Unlock()
	case r.Push != nil && r.Push.Pub != nil:
		var evt Event
		if err := json.Unmarshal(r.Push.Pub.Data, &evt); err != nil {
			c.logger.Warn("skipping undecodable publication", zap.Error(err))
			return
		}
		c.onEvent(evt)
	}
}

func (c *conn) dropped(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.status = StatusDisconnected
	pending := c.pending
	c.pending = make(map[uint32]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = ws.Close()

	c.logger.Warn("pubsub connection dropped", zap.Error(err))
	c.onStatus(StatusDisconnected)
	go c.reconnect()
}

// newBackOff is the reconnect schedule: BackoffBase doubling up to
// BackoffMax, without jitter, never giving up.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = cfg.BackoffMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reconnect waits one backoff interval before every attempt, the first
// included, until a handshake succeeds or the handle is disconnected.
func (c *conn) reconnect() {
	b := backoff.WithContext(newBackOff(c.link.cfg), c.ctx)
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Info("pubsub reconnect stopped", zap.Error(c.ctx.Err()))
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			t.Stop()
			c.logger.Info("pubsub reconnect stopped", zap.Error(c.ctx.Err()))
			return
		case <-t.C:
		}

		ws, early, err := c.handshake(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("pubsub reconnect failed", zap.Error(err), zap.Duration("waited", wait))
			continue
		}
		c.attach(ws, early)
		return
	}
}

func (c *conn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ws, command{ID: id, Publish: &publishRequest{Channel: c.channel, Data: env}}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	select {
	case r, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if r.Error != nil {
			return r.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *conn) Disconnect() {
	c.once.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		c.status = StatusDisconnected
		pending := c.pending
		c.pending = make(map[uint32]chan reply)
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
		c.logger.Info("pubsub disconnected")
	})
}
