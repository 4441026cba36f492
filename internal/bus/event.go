package bus

import "time"

// Event kinds published by a conversation channel.
const (
	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindModeChanged     = "channel.mode_changed"
	KindError           = "channel.error"
	KindStateChanged    = "channel.state_changed"
	KindLinkChanged     = "channel.link_changed"
)

// Event is a notification published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
