package media

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unpod/agentlink/internal/lock"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakePub struct {
	sid string
	log *callLog
}

func (p *fakePub) SID() string { return p.sid }
func (p *fakePub) SetMuted(m bool) {
	if m {
		p.log.add("mute")
	}
}

type fakeRoom struct {
	log           *callLog
	unpublishErr  error
	disconnectErr error
	sent          [][]byte
}

func (r *fakeRoom) PublishTrack(webrtc.TrackLocal, string) (publication, error) {
	r.log.add("publish")
	return &fakePub{sid: "TR_1", log: r.log}, nil
}

func (r *fakeRoom) UnpublishTrack(sid string) error {
	r.log.add("unpublish:" + sid)
	return r.unpublishErr
}

func (r *fakeRoom) PublishData(b []byte) error {
	r.sent = append(r.sent, b)
	return nil
}

func (r *fakeRoom) Disconnect() error {
	r.log.add("disconnect")
	return r.disconnectErr
}

type fakeMic struct {
	log     *callLog
	openErr error
	stopErr error
}

func (m *fakeMic) Open() (webrtc.TrackLocal, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.log.add("mic-open")
	return nil, nil
}

func (m *fakeMic) Stop() error {
	m.log.add("mic-stop")
	return m.stopErr
}

func newTestLink(r *fakeRoom, mic *fakeMic, events *roomEvents) *Link {
	l := NewLink(func() Microphone { return mic }, nil)
	l.connect = func(_ context.Context, _, _ string, ev roomEvents) (room, error) {
		if events != nil {
			*events = ev
		}
		return r, nil
	}
	return l
}

func TestLeaveReleasesInOrder(t *testing.T) {
	log := &callLog{}
	r := &fakeRoom{log: log}
	mic := &fakeMic{log: log}

	s, err := newTestLink(r, mic, nil).Join(context.Background(), "wss://media", "tok")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, s.State())

	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, []string{"mic-open", "publish", "mute", "mic-stop", "unpublish:TR_1", "disconnect"}, log.all())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestLeaveContinuesAfterFailures(t *testing.T) {
	log := &callLog{}
	unpubErr := errors.New("unpublish failed")
	discErr := errors.New("disconnect failed")
	r := &fakeRoom{log: log, unpublishErr: unpubErr, disconnectErr: discErr}
	mic := &fakeMic{log: log, stopErr: errors.New("device busy")}

	s, err := newTestLink(r, mic, nil).Join(context.Background(), "wss://media", "tok")
	require.NoError(t, err)

	err = s.Leave(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, unpubErr)
	assert.ErrorIs(t, err, discErr)
	assert.Equal(t, []string{"mic-open", "publish", "mute", "mic-stop", "unpublish:TR_1", "disconnect"}, log.all())

	require.NoError(t, s.Leave(context.Background()), "second leave is a no-op")
	assert.Len(t, log.all(), 6)
}

func TestJoinMicrophoneDenied(t *testing.T) {
	log := &callLog{}
	r := &fakeRoom{log: log}
	mic := &fakeMic{log: log, openErr: fs.ErrPermission}

	_, err := newTestLink(r, mic, nil).Join(context.Background(), "wss://media", "tok")
	var perm *MediaPermissionError
	require.ErrorAs(t, err, &perm)
	assert.Empty(t, log.all(), "room is not joined without a microphone")
}

func TestJoinTokenRejected(t *testing.T) {
	log := &callLog{}
	mic := &fakeMic{log: log}
	l := NewLink(func() Microphone { return mic }, nil)
	l.connect = func(context.Context, string, string, roomEvents) (room, error) {
		return nil, classifyJoinError(errors.New("could not establish signal connection: unauthorized: invalid token"))
	}

	_, err := l.Join(context.Background(), "wss://media", "old")
	var expired *TokenExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, []string{"mic-open", "mic-stop"}, log.all(), "microphone released when join fails")
}

func TestClassifyJoinErrorPassesOtherErrors(t *testing.T) {
	err := classifyJoinError(errors.New("dial tcp: connection refused"))
	var expired *TokenExpiredError
	assert.False(t, errors.As(err, &expired))
}

func TestRemoteDisconnectFails(t *testing.T) {
	log := &callLog{}
	var ev roomEvents
	s, err := newTestLink(&fakeRoom{log: log}, &fakeMic{log: log}, &ev).Join(context.Background(), "wss://media", "tok")
	require.NoError(t, err)

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	ev.OnReconnecting()
	ev.OnReconnected()
	ev.OnDisconnected()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateFailed}, states)
	assert.Equal(t, StateFailed, s.State())
}

func TestDropDuringJoinStaysFailed(t *testing.T) {
	log := &callLog{}
	r := &fakeRoom{log: log}
	mic := &fakeMic{log: log}
	l := NewLink(func() Microphone { return mic }, nil)
	var ev roomEvents
	l.connect = func(_ context.Context, _, _ string, e roomEvents) (room, error) {
		ev = e
		e.OnDisconnected()
		return r, nil
	}

	s, err := l.Join(context.Background(), "wss://media", "tok")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.SendData(context.Background(), []byte("hi")), ErrSessionClosed)

	ev.OnReconnecting()
	ev.OnReconnected()
	assert.Equal(t, StateFailed, s.State(), "a failed session is not revived")

	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Contains(t, log.all(), "mic-stop")
}

func TestDataBacklogReplayed(t *testing.T) {
	log := &callLog{}
	var ev roomEvents
	r := &fakeRoom{log: log}
	s, err := newTestLink(r, &fakeMic{log: log}, &ev).Join(context.Background(), "wss://media", "tok")
	require.NoError(t, err)

	ev.OnData([]byte("one"))
	var got []string
	s.OnData(func(b []byte) { got = append(got, string(b)) })
	ev.OnData([]byte("two"))
	assert.Equal(t, []string{"one", "two"}, got)

	require.NoError(t, s.SendData(context.Background(), []byte("hi")))
	require.Len(t, r.sent, 1)

	require.NoError(t, s.Leave(context.Background()))
	assert.ErrorIs(t, s.SendData(context.Background(), []byte("late")), ErrSessionClosed)
}

func TestFileMicrophoneMissingFile(t *testing.T) {
	m := &FileMicrophone{Path: filepath.Join(t.TempDir(), "missing.ogg")}
	_, err := m.Open()
	var perm *MediaPermissionError
	assert.ErrorAs(t, err, &perm)
	assert.NoError(t, m.Stop())
}

func TestFileMicrophoneLockHeld(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mic.ogg")
	require.NoError(t, os.WriteFile(src, []byte("OggS"), 0600))
	lockPath := filepath.Join(dir, "mic.lock")

	held, err := lock.AcquireMicrophone(lockPath)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	m := &FileMicrophone{Path: src, LockPath: lockPath}
	_, err = m.Open()
	var perm *MediaPermissionError
	require.ErrorAs(t, err, &perm)
	var he *lock.HeldError
	assert.ErrorAs(t, err, &he)
}
