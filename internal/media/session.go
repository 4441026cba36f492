// Package media joins the voice room of a conversation and exposes its
// connection state and inbound data-channel frames.
package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// State is the connection state of a media session.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Session is one joined voice room.
type Session interface {
	State() State
	OnStateChange(fn func(State))
	// OnData registers the receiver of raw data-channel frames. Frames that
	// arrive before a receiver is registered are held and replayed to it.
	OnData(fn func([]byte))
	SendData(ctx context.Context, payload []byte) error
	// Leave releases the microphone, unpublishes local tracks and closes the
	// room, in that order. Every step runs even if an earlier one fails.
	Leave(ctx context.Context) error
}

// Link joins media rooms.
type Link struct {
	connect connectFunc
	newMic  func() Microphone
	logger  *zap.Logger
}

// NewLink creates a link backed by LiveKit. newMic is called once per Join;
// a nil newMic joins listen-only.
func NewLink(newMic func() Microphone, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{connect: connectLiveKit, newMic: newMic, logger: logger.Named("media")}
}

// Join connects to the room at url. A rejected token yields
// *TokenExpiredError and an unavailable microphone *MediaPermissionError.
func (l *Link) Join(ctx context.Context, url, token string) (Session, error) {
	if url == "" || token == "" {
		return nil, errors.New("media: room url and token are required")
	}

	s := &session{state: StateConnecting, logger: l.logger}

	var track webrtc.TrackLocal
	if l.newMic != nil {
		s.mic = l.newMic()
		t, err := s.mic.Open()
		if err != nil {
			var perm *MediaPermissionError
			if !errors.As(err, &perm) {
				err = &MediaPermissionError{Err: err}
			}
			return nil, err
		}
		track = t
	}

	r, err := l.connect(ctx, url, token, roomEvents{
		OnData:         s.deliver,
		OnDisconnected: s.remoteDisconnected,
		OnReconnecting: func() { s.transition(StateConnected, StateConnecting) },
		OnReconnected:  func() { s.transition(StateConnecting, StateConnected) },
	})
	if err != nil {
		_ = s.stopMic()
		return nil, err
	}
	s.mu.Lock()
	s.room = r
	s.mu.Unlock()

	if s.mic != nil {
		pub, err := r.PublishTrack(track, "microphone")
		if err != nil {
			_ = s.stopMic()
			_ = r.Disconnect()
			return nil, fmt.Errorf("publish microphone: %w", err)
		}
		s.mu.Lock()
		s.pubs = append(s.pubs, pub)
		s.mu.Unlock()
	}

	if !s.transition(StateConnecting, StateConnected) {
		l.logger.Warn("media room dropped while joining", zap.String("state", string(s.State())))
		return s, nil
	}
	l.logger.Info("joined media room", zap.Int("tracks", len(s.pubs)))
	return s, nil
}

type session struct {
	logger *zap.Logger
	room   room
	mic    Microphone

	mu       sync.Mutex
	state    State
	pubs     []publication
	left     bool
	onState  []func(State)
	onData   func([]byte)
	backlog  [][]byte
	micFreed bool
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *session) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, b := range backlog {
		fn(b)
	}
}

const maxBacklog = 64

func (s *session) deliver(payload []byte) {
	s.mu.Lock()
	fn := s.onData
	if fn == nil {
		if len(s.backlog) < maxBacklog {
			s.backlog = append(s.backlog, payload)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(payload)
}

// setState moves to st unless the session was left. Failed only gives way
// to Disconnected.
func (s *session) setState(st State) {
	s.mu.Lock()
	cur := s.state
	if cur == st || cur == StateDisconnected || (cur == StateFailed && st != StateDisconnected) {
		s.mu.Unlock()
		return
	}
	s.changeLocked(st)
}

// transition moves from to st and reports whether the session was in from.
func (s *session) transition(from, st State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.changeLocked(st)
	return true
}

// changeLocked sets the state and notifies handlers. It is called with mu
// held and releases it.
func (s *session) changeLocked(st State) {
	s.state = st
	handlers := slices.Clone(s.onState)
	s.mu.Unlock()

	s.logger.Info("media state changed", zap.String("state", string(st)))
	for _, fn := range handlers {
		fn(st)
	}
}

func (s *session) remoteDisconnected() {
	s.mu.Lock()
	left := s.left
	s.mu.Unlock()
	if left {
		return
	}
	s.setState(StateFailed)
}

func (s *session) SendData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.left || s.state != StateConnected {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	r := s.room
	s.mu.Unlock()
	return r.PublishData(payload)
}

func (s *session) stopMic() error {
	s.mu.Lock()
	if s.mic == nil || s.micFreed {
		s.mu.Unlock()
		return nil
	}
	s.micFreed = true
	mic := s.mic
	s.mu.Unlock()
	return mic.Stop()
}

func (s *session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	pubs := append([]publication(nil), s.pubs...)
	r := s.room
	s.mu.Unlock()

	var errs []error

	for _, p := range pubs {
		p.SetMuted(true)
	}
	if err := s.stopMic(); err != nil {
		errs = append(errs, fmt.Errorf("disable microphone: %w", err))
	}

	for _, p := range pubs {
		if err := r.UnpublishTrack(p.SID()); err != nil {
			errs = append(errs, fmt.Errorf("unpublish %s: %w", p.SID(), err))
		}
	}

	if err := r.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("close room: %w", err))
	}

	s.setState(StateDisconnected)
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("media leave finished with errors", zap.Error(err))
		return err
	}
	return nil
}
