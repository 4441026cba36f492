package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unpod/agentlink/internal/convo"
)

func TestGetSetInvalidate(t *testing.T) {
	c := New(0)

	_, ok := c.Get("c1")
	assert.False(t, ok)

	c.Set("c1", convo.RoomToken{Value: "a"})
	c.Set("c1", convo.RoomToken{Value: "b"})
	tok, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "b", tok.Value, "last writer wins")

	c.Invalidate("c1")
	_, ok = c.Get("c1")
	assert.False(t, ok)
}

func TestGetOrIssueReusesCachedToken(t *testing.T) {
	c := New(0)
	var calls atomic.Int32
	issue := func(context.Context) (convo.RoomToken, error) {
		calls.Add(1)
		return convo.RoomToken{Value: "tok"}, nil
	}

	for range 2 {
		tok, err := c.GetOrIssue(context.Background(), "c1", issue)
		require.NoError(t, err)
		assert.Equal(t, "tok", tok.Value)
		assert.Equal(t, "c1", tok.ConversationID)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrIssueCoalescesConcurrentRequests(t *testing.T) {
	c := New(0)
	var calls atomic.Int32
	release := make(chan struct{})
	issue := func(context.Context) (convo.RoomToken, error) {
		calls.Add(1)
		<-release
		return convo.RoomToken{Value: "tok"}, nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.GetOrIssue(context.Background(), "c1", issue)
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok.Value)
		}()
	}
	// Let every goroutine reach the singleflight group before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrIssueDoesNotCacheErrors(t *testing.T) {
	c := New(0)
	boom := errors.New("boom")
	_, err := c.GetOrIssue(context.Background(), "c1", func(context.Context) (convo.RoomToken, error) {
		return convo.RoomToken{}, boom
	})
	require.ErrorIs(t, err, boom)
	_, ok := c.Get("c1")
	assert.False(t, ok)
}

func TestInvalidateDuringIssueDiscardsResult(t *testing.T) {
	c := New(0)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = c.GetOrIssue(context.Background(), "c1", func(context.Context) (convo.RoomToken, error) {
			close(started)
			<-release
			return convo.RoomToken{Value: "stale"}, nil
		})
	}()

	<-started
	c.Invalidate("c1")
	close(release)
	<-done

	_, ok := c.Get("c1")
	assert.False(t, ok, "token issued before invalidation must not be cached")
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("c1", convo.RoomToken{Value: "tok", IssuedAt: now})
	_, ok := c.Get("c1")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("c1")
	assert.False(t, ok)
}

func TestGetOrIssueSurvivesFirstCallerCancel(t *testing.T) {
	c := New(0)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	issue := func(ctx context.Context) (convo.RoomToken, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return convo.RoomToken{Value: "tok"}, nil
		case <-ctx.Done():
			return convo.RoomToken{}, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrIssue(ctx, "c1", issue)
		firstErr <- err
	}()
	<-started

	second := make(chan convo.RoomToken, 1)
	go func() {
		tok, err := c.GetOrIssue(context.Background(), "c1", issue)
		assert.NoError(t, err)
		second <- tok
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case tok := <-second:
		assert.Equal(t, "tok", tok.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the shared token")
	}
	assert.Equal(t, int32(1), calls.Load())
	_, ok := c.Get("c1")
	assert.True(t, ok)
}
