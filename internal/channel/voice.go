package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/media"
	"github.com/unpod/agentlink/internal/status"
	"go.uber.org/zap"
)

// StartVoice joins the conversation's media room. The room token is reused
// from the cache when possible. Text stays subscribed underneath; sends go
// over the room's data channel while voice is active.
func (c *Channel) StartVoice(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.machine.Current() == status.ActiveVoice:
		c.mu.Unlock()
		return nil
	case c.machine.Current() != status.ActiveText:
		c.mu.Unlock()
		return ErrNotOpen
	case c.joining:
		c.mu.Unlock()
		return errors.New("channel: voice join already in progress")
	}
	c.joining = true
	gen, conv := c.gen, c.convID
	c.mu.Unlock()

	log := c.logger.With(zap.String("conversation_id", conv))
	log.Info("starting voice")

	sess, err := c.join(ctx, conv)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if sess != nil {
			if lerr := sess.Leave(context.Background()); lerr != nil {
				log.Warn("leave stale session", zap.Error(lerr))
			}
			log.Debug("discarded stale voice session")
		}
		return &StaleResponseError{Op: "voice", ConversationID: conv}
	}
	c.joining = false
	if err != nil {
		c.mu.Unlock()
		var expired *media.TokenExpiredError
		if errors.As(err, &expired) {
			c.tokens.Invalidate(conv)
		}
		log.Error("voice join failed", zap.Error(err))
		c.surface(gen, "voice", err)
		return err
	}
	c.session = sess
	c.mode = convo.ModeVoice
	_ = c.machine.Transition(status.ActiveVoice)
	c.mu.Unlock()

	sess.OnStateChange(func(s media.State) {
		c.post(inbound{gen: gen, kind: inMediaState, state: s})
	})
	sess.OnData(func(b []byte) {
		c.post(inbound{gen: gen, kind: inMediaData, data: b})
	})
	// The session may have failed before the callback was registered.
	if sess.State() == media.StateFailed {
		c.post(inbound{gen: gen, kind: inMediaState, state: media.StateFailed})
	}

	c.publishMode(conv, convo.ModeVoice)
	log.Info("voice active")
	return nil
}

func (c *Channel) join(ctx context.Context, conv string) (media.Session, error) {
	tok, err := c.tokens.GetOrIssue(ctx, conv, func(ctx context.Context) (convo.RoomToken, error) {
		return c.api.RoomToken(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("room token: %w", err)
	}
	url := tok.ServerURL
	if url == "" {
		url = c.opts.MediaURL
	}
	if url == "" {
		return nil, errors.New("room token: no media server url")
	}
	return c.ml.Join(ctx, url, tok.Value)
}

// EndVoice leaves the media room and returns to text mode. The microphone
// is released before the mode changes.
func (c *Channel) EndVoice(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	_, err := c.endVoice(ctx, gen)
	return err
}

// endVoice reports whether it ended an active session.
func (c *Channel) endVoice(ctx context.Context, gen uint64) (bool, error) {
	c.mu.Lock()
	if c.gen != gen || c.machine.Current() != status.ActiveVoice || c.session == nil {
		c.mu.Unlock()
		return false, nil
	}
	sess, conv := c.session, c.convID
	c.session = nil
	c.mu.Unlock()

	err := sess.Leave(ctx)

	c.mu.Lock()
	ended := c.gen == gen && c.machine.Current() == status.ActiveVoice
	if ended {
		c.mode = convo.ModeText
		_ = c.machine.Transition(status.ActiveText)
	}
	c.mu.Unlock()
	if ended {
		c.publishMode(conv, convo.ModeText)
		c.logger.Info("voice ended", zap.String("conversation_id", conv))
	}
	return ended, err
}
