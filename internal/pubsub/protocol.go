package pubsub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is an outbound conversation event.
type Envelope struct {
	Type  string `json:"type"`
	Pilot string `json:"pilot,omitempty"`
	Data  any    `json:"data"`
}

// Event is an inbound conversation event pushed on the channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type connectRequest struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
}

type publishRequest struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

type command struct {
	ID        uint32            `json:"id"`
	Connect   *connectRequest   `json:"connect,omitempty"`
	Subscribe *subscribeRequest `json:"subscribe,omitempty"`
	Publish   *publishRequest   `json:"publish,omitempty"`
}

type publication struct {
	Data json.RawMessage `json:"data"`
}

type push struct {
	Channel string       `json:"channel"`
	Pub     *publication `json:"pub,omitempty"`
}

type reply struct {
	ID    uint32       `json:"id,omitempty"`
	Error *ServerError `json:"error,omitempty"`
	Push  *push        `json:"push,omitempty"`
}

func (r reply) isPing() bool {
	return r.ID == 0 && r.Push == nil && r.Error == nil
}

// decodeReplies splits a frame into replies. The server may batch several
// newline-delimited JSON objects into one frame.
func decodeReplies(frame []byte) ([]reply, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var out []reply
	for dec.More() {
		var r reply
		if err := dec.Decode(&r); err != nil {
			return out, fmt.Errorf("decode reply: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
