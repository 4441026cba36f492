// Package tokens caches media room tokens per conversation.
package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/unpod/agentlink/internal/convo"
	"golang.org/x/sync/singleflight"
)

// IssueFunc requests a fresh token from the server.
type IssueFunc func(ctx context.Context) (convo.RoomToken, error)

type entry struct {
	token convo.RoomToken
	ok    bool
	// gen is bumped by Invalidate so an in-flight issue started before the
	// invalidation does not repopulate the cache.
	gen uint64
}

// Cache holds at most one RoomToken per conversation id. A zero ttl means
// tokens never expire on their own.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
}

// New creates an empty cache.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached token for conversationID, if any and still fresh.
func (c *Cache) Get(conversationID string) (convo.RoomToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(conversationID)
}

func (c *Cache) getLocked(conversationID string) (convo.RoomToken, bool) {
	e, ok := c.entries[conversationID]
	if !ok || !e.ok {
		return convo.RoomToken{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.token.IssuedAt) >= c.ttl {
		return convo.RoomToken{}, false
	}
	return e.token, true
}

// Set stores token for conversationID, replacing any previous one.
func (c *Cache) Set(conversationID string, token convo.RoomToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(conversationID)
	e.token = token
	e.ok = true
}

// Invalidate drops the token for conversationID.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(conversationID)
	e.token = convo.RoomToken{}
	e.ok = false
	e.gen++
}

func (c *Cache) entryLocked(conversationID string) *entry {
	e, ok := c.entries[conversationID]
	if !ok {
		e = &entry{}
		c.entries[conversationID] = e
	}
	return e
}

// issueTimeout bounds a shared issue call once it no longer follows the
// context of the caller that started it.
const issueTimeout = 30 * time.Second

// GetOrIssue returns the cached token or calls issue to obtain one.
// Concurrent callers for the same conversation share a single issue call,
// which outlives any one caller's cancellation. Each caller stops waiting
// when its own ctx is done.
func (c *Cache) GetOrIssue(ctx context.Context, conversationID string, issue IssueFunc) (convo.RoomToken, error) {
	c.mu.Lock()
	if tok, ok := c.getLocked(conversationID); ok {
		c.mu.Unlock()
		return tok, nil
	}
	gen := c.entryLocked(conversationID).gen
	c.mu.Unlock()

	ch := c.group.DoChan(conversationID, func() (any, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), issueTimeout)
		defer cancel()
		tok, err := issue(ictx)
		if err != nil {
			return convo.RoomToken{}, err
		}
		if tok.IssuedAt.IsZero() {
			tok.IssuedAt = c.now()
		}
		if tok.ConversationID == "" {
			tok.ConversationID = conversationID
		}
		c.mu.Lock()
		e := c.entryLocked(conversationID)
		if e.gen == gen {
			e.token = tok
			e.ok = true
		}
		c.mu.Unlock()
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return convo.RoomToken{}, res.Err
		}
		return res.Val.(convo.RoomToken), nil
	case <-ctx.Done():
		return convo.RoomToken{}, ctx.Err()
	}
}
