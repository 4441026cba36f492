package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Signature fingerprints message content so a server echo carrying a
// different id can still be matched to its optimistic original.
func Signature(content string, files []FileRef) string {
	h := sha256.New()
	h.Write([]byte(content))
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f.URL))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewPendingSend creates a PendingSend with a fresh local id.
func NewPendingSend(conversationID, content string, files []FileRef, now time.Time) PendingSend {
	return PendingSend{
		LocalID:        "local-" + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Files:          files,
		FirstSentAt:    now,
		Signature:      Signature(content, files),
	}
}

// Message returns the optimistic timeline entry for p.
func (p PendingSend) Message() Message {
	return Message{
		ID:        p.LocalID,
		CreatedAt: p.FirstSentAt,
		Origin:    OriginLocalUser,
		Payload:   TextPayload{Content: p.Content, Files: p.Files},
		Pending:   true,
	}
}
