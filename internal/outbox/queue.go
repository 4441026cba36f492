package outbox

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/store"
	"go.uber.org/zap"
)

// Persister stores pending sends across restarts. *store.DB implements it.
type Persister interface {
	SaveOutbox(e store.OutboxEntry) error
	MarkOutboxAttempt(localID, errMsg string) error
	DeleteOutbox(localID string) error
	PendingOutbox(conversationID string) ([]store.OutboxEntry, error)
}

type item struct {
	send convo.PendingSend
	// delivered is set once the transport accepted the send; the item stays
	// until the server echo arrives so the echo can be matched.
	delivered bool
	// inflight is set while the caller that added the send is delivering it
	// itself; the retry loop skips it until the attempt is recorded.
	inflight bool
}

// Queue is the registry of pending sends, in send order.
type Queue struct {
	mu     sync.Mutex
	items  []*item
	db     Persister
	logger *zap.Logger
}

// NewQueue creates a queue. db may be nil for a memory-only queue.
func NewQueue(db Persister, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, logger: logger.Named("outbox")}
}

// Add registers p as pending.
func (q *Queue) Add(p convo.PendingSend) {
	q.add(&item{send: p})
}

// AddInFlight registers p as pending and hides it from Unsent until its
// first MarkAttempt.
func (q *Queue) AddInFlight(p convo.PendingSend) {
	q.add(&item{send: p, inflight: true})
}

func (q *Queue) add(it *item) {
	p := it.send
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	if q.db == nil {
		return
	}
	files, _ := json.Marshal(p.Files)
	err := q.db.SaveOutbox(store.OutboxEntry{
		LocalID:        p.LocalID,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		FilesJSON:      string(files),
		Signature:      p.Signature,
		Attempts:       p.Attempts,
		FirstSentAt:    p.FirstSentAt,
	})
	if err != nil {
		q.logger.Warn("failed to persist pending send", zap.String("local_id", p.LocalID), zap.Error(err))
	}
}

// Restore loads persisted sends of conversationID that are not already
// queued and returns them.
func (q *Queue) Restore(conversationID string) ([]convo.PendingSend, error) {
	if q.db == nil {
		return nil, nil
	}
	entries, err := q.db.PendingOutbox(conversationID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var restored []convo.PendingSend
	for _, e := range entries {
		if q.indexLocked(e.LocalID) >= 0 {
			continue
		}
		var files []convo.FileRef
		_ = json.Unmarshal([]byte(e.FilesJSON), &files)
		p := convo.PendingSend{
			LocalID:        e.LocalID,
			ConversationID: e.ConversationID,
			Content:        e.Content,
			Files:          files,
			Attempts:       e.Attempts,
			FirstSentAt:    e.FirstSentAt,
			Signature:      e.Signature,
		}
		q.items = append(q.items, &item{send: p})
		restored = append(restored, p)
	}
	return restored, nil
}

func (q *Queue) indexLocked(localID string) int {
	return slices.IndexFunc(q.items, func(it *item) bool { return it.send.LocalID == localID })
}

// MarkAttempt records a delivery attempt. A nil err marks the send as
// delivered to the transport.
func (q *Queue) MarkAttempt(localID string, err error) {
	q.mu.Lock()
	i := q.indexLocked(localID)
	if i >= 0 {
		q.items[i].send.Attempts++
		q.items[i].inflight = false
		if err == nil {
			q.items[i].delivered = true
		}
	}
	q.mu.Unlock()

	if q.db == nil || i < 0 {
		return
	}
	var dbErr error
	if err == nil {
		dbErr = q.db.DeleteOutbox(localID)
	} else {
		dbErr = q.db.MarkOutboxAttempt(localID, err.Error())
	}
	if dbErr != nil {
		q.logger.Warn("failed to record send attempt", zap.String("local_id", localID), zap.Error(dbErr))
	}
}

// Confirm removes the send with localID. It reports whether it was queued.
func (q *Queue) Confirm(localID string) bool {
	q.mu.Lock()
	i := q.indexLocked(localID)
	if i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
	}
	q.mu.Unlock()

	if i >= 0 && q.db != nil {
		if err := q.db.DeleteOutbox(localID); err != nil {
			q.logger.Warn("failed to delete confirmed send", zap.String("local_id", localID), zap.Error(err))
		}
	}
	return i >= 0
}

// MatchEcho finds the oldest pending send of conversationID whose content
// signature equals signature, removes it, and returns it.
func (q *Queue) MatchEcho(conversationID, signature string) (convo.PendingSend, bool) {
	q.mu.Lock()
	i := slices.IndexFunc(q.items, func(it *item) bool {
		return it.send.ConversationID == conversationID && it.send.Signature == signature
	})
	if i < 0 {
		q.mu.Unlock()
		return convo.PendingSend{}, false
	}
	p := q.items[i].send
	q.mu.Unlock()

	q.Confirm(p.LocalID)
	return p, true
}

// Unsent returns the sends of conversationID not yet accepted by a
// transport, oldest first.
func (q *Queue) Unsent(conversationID string) []convo.PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []convo.PendingSend
	for _, it := range q.items {
		if !it.delivered && !it.inflight && it.send.ConversationID == conversationID {
			out = append(out, it.send)
		}
	}
	return out
}

// Forget drops the in-memory sends of conversationID. Persisted unsent
// sends remain and are restored when the conversation is reopened.
func (q *Queue) Forget(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.DeleteFunc(q.items, func(it *item) bool { return it.send.ConversationID == conversationID })
}

// Len returns the number of queued sends.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
