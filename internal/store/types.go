package store

import "time"

// OutboxEntry is a persisted pending send.
type OutboxEntry struct {
	LocalID        string
	ConversationID string
	Content        string
	FilesJSON      string
	Signature      string
	Attempts       int
	FirstSentAt    time.Time
	LastError      string
}

// State keys stored in profile_state.
const (
	KeyLastConversation = "last_conversation_id"
)
