package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"go.uber.org/zap"
)

type outboundText struct {
	Content string          `json:"content"`
	Files   []convo.FileRef `json:"files"`
	LocalID string          `json:"local_id"`
}

type outboundBlock struct {
	Block     string       `json:"block"`
	BlockType string       `json:"block_type"`
	Data      outboundText `json:"data"`
}

type locationResponse struct {
	BlockID string               `json:"block_id"`
	Status  convo.LocationStatus `json:"status"`
	Payload map[string]any       `json:"payload,omitempty"`
}

// Send posts a user message. The message enters the timeline immediately
// as pending and is returned. If the active transport is down the message
// stays pending, the error wraps pubsub.ErrNotConnected, and delivery is
// retried once the link reconnects.
func (c *Channel) Send(ctx context.Context, content string, files []convo.FileRef) (convo.Message, error) {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return convo.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if !c.machine.Current().Active() {
		c.mu.Unlock()
		return convo.Message{}, ErrNotOpen
	}
	gen, conv := c.gen, c.convID
	c.mu.Unlock()

	p := convo.NewPendingSend(conv, content, files, c.now())
	c.queue.AddInFlight(p)
	msg := p.Message()
	c.upsert(gen, msg)

	err := c.PublishPending(ctx, p)
	c.queue.MarkAttempt(p.LocalID, err)
	if err != nil {
		c.logger.Warn("send not delivered, kept pending",
			zap.String("local_id", p.LocalID), zap.Error(err))
		return msg, fmt.Errorf("send %s: %w", p.LocalID, err)
	}
	return msg, nil
}

// ActiveConversation implements outbox.Publisher.
func (c *Channel) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Current().Active() {
		return ""
	}
	return c.convID
}

// PublishPending implements outbox.Publisher. In voice mode the message
// goes over the media data channel, otherwise over the text link.
func (c *Channel) PublishPending(ctx context.Context, p convo.PendingSend) error {
	c.mu.Lock()
	if p.ConversationID != c.convID || !c.machine.Current().Active() {
		c.mu.Unlock()
		return ErrNotOpen
	}
	h, sess, mode := c.handle, c.session, c.mode
	c.mu.Unlock()

	env := pubsub.Envelope{
		Type:  "block",
		Pilot: c.opts.Pilot,
		Data: outboundBlock{
			Block:     "html",
			BlockType: "question",
			Data:      outboundText{Content: p.Content, Files: p.Files, LocalID: p.LocalID},
		},
	}
	if mode == convo.ModeVoice && sess != nil {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return sess.SendData(ctx, b)
	}
	if h == nil {
		return pubsub.ErrNotConnected
	}
	return h.Send(ctx, env)
}

// AnswerLocation grants or declines the location request messageID. data
// carries the coordinates when granted. The request is marked answered only
// once the response was published, so a failed answer can be retried.
func (c *Channel) AnswerLocation(ctx context.Context, messageID string, granted bool, data map[string]any) error {
	c.mu.Lock()
	if !c.machine.Current().Active() {
		c.mu.Unlock()
		return ErrNotOpen
	}
	m, ok := c.timeline.get(messageID)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	lp, ok := m.Payload.(convo.LocationPayload)
	if !ok {
		c.mu.Unlock()
		return ErrNotLocationRequest
	}
	if lp.Status != convo.LocationRequested {
		c.mu.Unlock()
		return ErrLocationAnswered
	}
	gen, h := c.gen, c.handle
	c.mu.Unlock()

	st := convo.LocationDeclined
	if granted {
		st = convo.LocationGranted
	}
	if h == nil {
		return pubsub.ErrNotConnected
	}
	err := h.Send(ctx, pubsub.Envelope{
		Type:  "location_response",
		Pilot: c.opts.Pilot,
		Data:  locationResponse{BlockID: messageID, Status: st, Payload: data},
	})
	if err != nil {
		return fmt.Errorf("answer location %s: %w", messageID, err)
	}

	merged := maps.Clone(lp.Data)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, data)
	m.Payload = convo.LocationPayload{Status: st, Data: merged}
	c.upsert(gen, m)
	return nil
}
