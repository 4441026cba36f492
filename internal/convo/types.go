package convo

import "time"

// Origin identifies who produced a message.
type Origin string

const (
	OriginLocalUser       Origin = "local-user"
	OriginRemoteAgent     Origin = "remote-agent"
	OriginSystemCard      Origin = "system-card"
	OriginLocationRequest Origin = "location-request"
)

// Kind is the discriminant of a Payload.
type Kind string

const (
	KindText     Kind = "text"
	KindCard     Kind = "card"
	KindLocation Kind = "location"
)

// CardType enumerates the rich cards an agent can post.
type CardType string

const (
	CardProvider CardType = "provider"
	CardWeb      CardType = "web"
	CardBooking  CardType = "booking"
	CardCall     CardType = "call"
	CardEvent    CardType = "event"
	CardPerson   CardType = "person"
)

// Valid reports whether t is one of the known card types.
func (t CardType) Valid() bool {
	switch t {
	case CardProvider, CardWeb, CardBooking, CardCall, CardEvent, CardPerson:
		return true
	}
	return false
}

// LocationStatus is the lifecycle of a location request.
type LocationStatus string

const (
	LocationRequested LocationStatus = "requested"
	LocationGranted   LocationStatus = "granted"
	LocationDeclined  LocationStatus = "declined"
)

// Mode is the active connection mode of a conversation.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// FileRef points at an uploaded attachment.
type FileRef struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"media_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Payload is the content of a message. The set of implementations is closed:
// TextPayload, CardPayload and LocationPayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

// TextPayload is plain text with optional attachments.
type TextPayload struct {
	Content string
	Files   []FileRef
}

func (TextPayload) Kind() Kind { return KindText }
func (TextPayload) isPayload() {}

// CardPayload is a structured card rendered by the UI.
type CardPayload struct {
	CardType CardType
	Data     map[string]any
}

func (CardPayload) Kind() Kind { return KindCard }
func (CardPayload) isPayload() {}

// LocationPayload is a request for the user's location.
type LocationPayload struct {
	Status LocationStatus
	Data   map[string]any
}

func (LocationPayload) Kind() Kind { return KindLocation }
func (LocationPayload) isPayload() {}

// Message is one normalized unit of conversation content.
type Message struct {
	ID        string
	CreatedAt time.Time
	Origin    Origin
	Payload   Payload
	// Pending is set on optimistic sends until the server confirms them.
	Pending bool
}

// Text returns the text content, or "" for non-text payloads.
func (m Message) Text() string {
	if p, ok := m.Payload.(TextPayload); ok {
		return p.Content
	}
	return ""
}

// RoomToken is a credential for joining a conversation's media room.
type RoomToken struct {
	Value          string
	IssuedAt       time.Time
	ConversationID string
	RoomName       string
	ServerURL      string
}

// PendingSend is an outbound message awaiting confirmation.
type PendingSend struct {
	LocalID        string
	ConversationID string
	Content        string
	Files          []FileRef
	Attempts       int
	FirstSentAt    time.Time
	Signature      string
}
