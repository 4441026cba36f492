package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/unpod/agentlink/internal/lock"
)

// Microphone is a capture source for the local audio track.
type Microphone interface {
	// Open starts capture and returns the track to publish.
	Open() (webrtc.TrackLocal, error)
	// Stop ends capture and releases the device. Safe to call twice.
	Stop() error
}

// FileMicrophone streams an Ogg/Opus or IVF file as the microphone. The
// host microphone lock is held between Open and Stop.
type FileMicrophone struct {
	Path     string
	LockPath string

	mu    sync.Mutex
	track *lksdk.LocalTrack
	held  *lock.Lock
}

func (m *FileMicrophone) Open() (webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		return nil, errors.New("microphone already open")
	}

	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return nil, &MediaPermissionError{Err: err}
		}
		return nil, fmt.Errorf("open microphone source: %w", err)
	}
	_ = f.Close()

	if m.LockPath != "" {
		held, err := lock.AcquireMicrophone(m.LockPath)
		if err != nil {
			var he *lock.HeldError
			if errors.As(err, &he) {
				return nil, &MediaPermissionError{Err: err}
			}
			return nil, err
		}
		m.held = held
	}

	track, err := lksdk.NewLocalFileTrack(m.Path)
	if err != nil {
		_ = m.held.Release()
		m.held = nil
		return nil, fmt.Errorf("create file track: %w", err)
	}
	m.track = track
	return track, nil
}

func (m *FileMicrophone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.track != nil {
		if err := m.track.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close track: %w", err))
		}
		m.track = nil
	}
	if err := m.held.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release microphone lock: %w", err))
	}
	m.held = nil
	return errors.Join(errs...)
}
