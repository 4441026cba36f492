package convo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedBlock is returned when a server block cannot be normalized.
var ErrMalformedBlock = errors.New("malformed block")

// Block is a message as the server sends it, on the pub/sub channel and in
// history pages.
type Block struct {
	ID        string          `json:"block_id"`
	Created   string          `json:"created"`
	Role      string          `json:"role"`
	BlockType string          `json:"block_type"`
	Data      json.RawMessage `json:"data"`
}

type textData struct {
	Content string    `json:"content"`
	Files   []FileRef `json:"files"`
}

type cardData struct {
	CardType string         `json:"card_type"`
	Payload  map[string]any `json:"payload"`
}

type locationData struct {
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
}

// ToMessage normalizes a block into a Message.
func (b Block) ToMessage() (Message, error) {
	if b.ID == "" {
		return Message{}, fmt.Errorf("%w: missing block_id", ErrMalformedBlock)
	}
	created, err := ParseTime(b.Created)
	if err != nil {
		return Message{}, fmt.Errorf("%w: block %s: %v", ErrMalformedBlock, b.ID, err)
	}

	msg := Message{ID: b.ID, CreatedAt: created}
	switch b.BlockType {
	case "", "text", "text_msg", "question":
		var d textData
		if err := decodeData(b.Data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: block %s: %v", ErrMalformedBlock, b.ID, err)
		}
		msg.Payload = TextPayload{Content: d.Content, Files: d.Files}
		msg.Origin = OriginRemoteAgent
		if b.Role == "user" {
			msg.Origin = OriginLocalUser
		}
	case "card":
		var d cardData
		if err := decodeData(b.Data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: block %s: %v", ErrMalformedBlock, b.ID, err)
		}
		ct := CardType(d.CardType)
		if !ct.Valid() {
			return Message{}, fmt.Errorf("%w: block %s: unknown card type %q", ErrMalformedBlock, b.ID, d.CardType)
		}
		msg.Payload = CardPayload{CardType: ct, Data: d.Payload}
		msg.Origin = OriginSystemCard
	case "location":
		var d locationData
		if err := decodeData(b.Data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: block %s: %v", ErrMalformedBlock, b.ID, err)
		}
		st := LocationStatus(d.Status)
		if st == "" {
			st = LocationRequested
		}
		msg.Payload = LocationPayload{Status: st, Data: d.Payload}
		msg.Origin = OriginLocationRequest
	default:
		return Message{}, fmt.Errorf("%w: block %s: unknown block type %q", ErrMalformedBlock, b.ID, b.BlockType)
	}
	return msg, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTime parses the ISO-8601 variants the backend emits. Timestamps
// without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
