package store

import (
	"time"
)

// SaveOutbox inserts or replaces a pending send.
func (db *DB) SaveOutbox(e OutboxEntry) error {
	now := time.Now().UnixMilli()
	files := e.FilesJSON
	if files == "" {
		files = "[]"
	}
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conversation_id, content, files, signature, attempts, first_sent_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		e.LocalID, e.ConversationID, e.Content, files, e.Signature, e.Attempts,
		e.FirstSentAt.UnixMilli(), e.LastError, now)
	return err
}

// MarkOutboxAttempt records one more delivery attempt and its error, if any.
func (db *DB) MarkOutboxAttempt(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE local_id = ?`,
		errMsg, now, localID)
	return err
}

// DeleteOutbox removes a pending send once the server confirmed it.
func (db *DB) DeleteOutbox(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// PendingOutbox returns the pending sends of a conversation, oldest first.
func (db *DB) PendingOutbox(conversationID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, conversation_id, content, files, signature, attempts, first_sent_at, last_error
		FROM outbox WHERE conversation_id = ? ORDER BY first_sent_at ASC, local_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var first int64
		if err := rows.Scan(&e.LocalID, &e.ConversationID, &e.Content, &e.FilesJSON, &e.Signature, &e.Attempts, &first, &e.LastError); err != nil {
			return nil, err
		}
		e.FirstSentAt = time.UnixMilli(first).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
