package media

import (
	"context"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

// room is the slice of a LiveKit room a session drives.
type room interface {
	PublishTrack(track webrtc.TrackLocal, name string) (publication, error)
	UnpublishTrack(sid string) error
	PublishData(payload []byte) error
	Disconnect() error
}

type publication interface {
	SID() string
	SetMuted(muted bool)
}

// roomEvents are the room callbacks a session listens to.
type roomEvents struct {
	OnData         func(payload []byte)
	OnDisconnected func()
	OnReconnecting func()
	OnReconnected  func()
}

type connectFunc func(ctx context.Context, url, token string, ev roomEvents) (room, error)

type lkRoom struct {
	r *lksdk.Room
}

func (l *lkRoom) PublishTrack(track webrtc.TrackLocal, name string) (publication, error) {
	pub, err := l.r.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (l *lkRoom) UnpublishTrack(sid string) error {
	return l.r.LocalParticipant.UnpublishTrack(sid)
}

func (l *lkRoom) PublishData(payload []byte) error {
	return l.r.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), lksdk.WithDataPublishReliable(true))
}

func (l *lkRoom) Disconnect() error {
	l.r.Disconnect()
	return nil
}

// connectLiveKit joins a LiveKit room. The SDK call does not take a
// context, so cancellation abandons the attempt and disconnects the room
// once it arrives.
func connectLiveKit(ctx context.Context, url, token string, ev roomEvents) (room, error) {
	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: func(data lksdk.DataPacket, _ lksdk.DataReceiveParams) {
				if p, ok := data.(*lksdk.UserDataPacket); ok && ev.OnData != nil {
					ev.OnData(p.Payload)
				}
			},
		},
		OnDisconnected: ev.OnDisconnected,
		OnReconnecting: ev.OnReconnecting,
		OnReconnected:  ev.OnReconnected,
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(false))
		done <- result{r, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classifyJoinError(res.err)
		}
		return &lkRoom{r: res.room}, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}
