package convo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockToMessage(t *testing.T) {
	tests := []struct {
		name   string
		block  string
		origin Origin
		kind   Kind
	}{
		{
			name:   "user text",
			block:  `{"block_id":"m1","created":"2026-10-16T10:00:00Z","role":"user","block_type":"text","data":{"content":"hi"}}`,
			origin: OriginLocalUser,
			kind:   KindText,
		},
		{
			name:   "agent text without zone",
			block:  `{"block_id":"m2","created":"2026-10-16T10:00:01.123456","role":"assistant","block_type":"text_msg","data":{"content":"hello"}}`,
			origin: OriginRemoteAgent,
			kind:   KindText,
		},
		{
			name:   "booking card",
			block:  `{"block_id":"m3","created":"2026-10-16T10:00:02Z","role":"system","block_type":"card","data":{"card_type":"booking","payload":{"slot":"9am"}}}`,
			origin: OriginSystemCard,
			kind:   KindCard,
		},
		{
			name:   "location request",
			block:  `{"block_id":"m4","created":"2026-10-16T10:00:03Z","role":"assistant","block_type":"location","data":{}}`,
			origin: OriginLocationRequest,
			kind:   KindLocation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Block
			require.NoError(t, json.Unmarshal([]byte(tt.block), &b))
			msg, err := b.ToMessage()
			require.NoError(t, err)
			assert.Equal(t, tt.origin, msg.Origin)
			assert.Equal(t, tt.kind, msg.Payload.Kind())
			assert.False(t, msg.CreatedAt.IsZero())
		})
	}
}

func TestBlockToMessageLocationDefaultsToRequested(t *testing.T) {
	b := Block{ID: "m1", Created: "2026-10-16T10:00:00Z", BlockType: "location"}
	msg, err := b.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, LocationRequested, msg.Payload.(LocationPayload).Status)
}

func TestBlockToMessageRejectsMalformed(t *testing.T) {
	tests := []Block{
		{Created: "2026-10-16T10:00:00Z"},
		{ID: "m1", Created: "yesterday"},
		{ID: "m1", Created: "2026-10-16T10:00:00Z", BlockType: "hologram"},
		{ID: "m1", Created: "2026-10-16T10:00:00Z", BlockType: "card", Data: json.RawMessage(`{"card_type":"weather"}`)},
	}
	for _, b := range tests {
		_, err := b.ToMessage()
		assert.ErrorIs(t, err, ErrMalformedBlock)
	}
}

func TestParseTranscript(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	msg, err := ParseTranscript([]byte(`{"text":"book a table","timestamp":1792152000123}`), now)
	require.NoError(t, err)
	assert.Equal(t, OriginLocalUser, msg.Origin)
	assert.Equal(t, "book a table", msg.Text())
	assert.Equal(t, int64(1792152000123), msg.CreatedAt.UnixMilli())
	assert.Equal(t, "transcript-user-1792152000123", msg.ID)

	secs, err := ParseTranscript([]byte(`{"text":"x","timestamp":1792152000.5,"speaker":"agent"}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1792152000500), secs.CreatedAt.UnixMilli())
	assert.Equal(t, "transcript-agent-1792152000500", secs.ID)

	iso, err := ParseTranscript([]byte(`{"text":"x","timestamp":"2026-10-16T10:00:00Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, 10, iso.CreatedAt.Hour())

	stamped, err := ParseTranscript([]byte(`{"text":"x"}`), now)
	require.NoError(t, err)
	assert.Equal(t, now, stamped.CreatedAt)

	_, err = ParseTranscript([]byte(`{"timestamp":1}`), now)
	assert.Error(t, err)
	_, err = ParseTranscript([]byte(`not json`), now)
	assert.Error(t, err)
}

func TestSignature(t *testing.T) {
	a := Signature("hello", nil)
	assert.Equal(t, a, Signature("hello", nil))
	assert.NotEqual(t, a, Signature("hello!", nil))
	assert.NotEqual(t, a, Signature("hello", []FileRef{{URL: "https://cdn/x.png"}}))
}

func TestPendingSendMessage(t *testing.T) {
	now := time.Now()
	p := NewPendingSend("c1", "hello", nil, now)
	msg := p.Message()
	assert.Equal(t, p.LocalID, msg.ID)
	assert.True(t, msg.Pending)
	assert.Equal(t, OriginLocalUser, msg.Origin)
	assert.Equal(t, "hello", msg.Text())
	assert.Equal(t, Signature("hello", nil), p.Signature)
}
