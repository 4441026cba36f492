package convo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// transcriptFrame is the JSON envelope carried on the media data channel.
type transcriptFrame struct {
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`
	Speaker   string          `json:"speaker"`
}

// ParseTranscript decodes a data-channel frame into a local-user message.
// The id is derived from speaker and timestamp, so a repeated frame maps to
// the same id. Frames with no timestamp are stamped with now.
func ParseTranscript(raw []byte, now time.Time) (Message, error) {
	var f transcriptFrame
	if err := json.Unmarshal(bytes.TrimSpace(raw), &f); err != nil {
		return Message{}, fmt.Errorf("decode transcript frame: %w", err)
	}
	if f.Text == "" {
		return Message{}, fmt.Errorf("transcript frame without text")
	}
	ts, err := frameTime(f.Timestamp, now)
	if err != nil {
		return Message{}, err
	}
	speaker := f.Speaker
	if speaker == "" {
		speaker = "user"
	}
	return Message{
		ID:        fmt.Sprintf("transcript-%s-%d", speaker, ts.UnixMilli()),
		CreatedAt: ts,
		Origin:    OriginLocalUser,
		Payload:   TextPayload{Content: f.Text},
	}, nil
}

// frameTime accepts epoch seconds, epoch milliseconds or an ISO-8601 string.
func frameTime(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode transcript timestamp: %w", err)
		}
		return ParseTime(s)
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode transcript timestamp: %w", err)
	}
	if n < 1e12 {
		return time.UnixMilli(int64(n * 1000)).UTC(), nil
	}
	return time.UnixMilli(int64(n)).UTC(), nil
}
