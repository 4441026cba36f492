package channel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/media"
	"github.com/unpod/agentlink/internal/pubsub"
	"go.uber.org/zap"
)

type inboundKind int

const (
	inPubSub inboundKind = iota
	inLink
	inMediaData
	inMediaState
)

// inbound is one transport callback queued for the merge loop. gen is the
// channel generation the callback was registered under.
type inbound struct {
	gen   uint64
	kind  inboundKind
	event pubsub.Event
	link  pubsub.Status
	data  []byte
	state media.State
}

// post hands ev to the merge loop. It blocks while the inbox is full so
// transport readers are slowed instead of dropping messages.
func (c *Channel) post(ev inbound) {
	select {
	case c.inbox <- ev:
	case <-c.stop:
	}
}

func (c *Channel) mergeLoop() {
	defer close(c.mergeDone)
	for {
		select {
		case ev := <-c.inbox:
			if !c.current(ev.gen) {
				continue
			}
			c.apply(ev)
		case <-c.stop:
			return
		}
	}
}

func (c *Channel) apply(ev inbound) {
	switch ev.kind {
	case inPubSub:
		c.applyEvent(ev.gen, ev.event)
	case inLink:
		c.applyLink(ev.gen, ev.link)
	case inMediaData:
		m, err := convo.ParseTranscript(ev.data, c.now())
		if err != nil {
			c.logger.Debug("ignoring data frame", zap.Error(err))
			return
		}
		c.upsert(ev.gen, m)
	case inMediaState:
		if ev.state == media.StateFailed {
			go c.voiceFailed(ev.gen)
		}
	}
}

func (c *Channel) applyEvent(gen uint64, e pubsub.Event) {
	switch e.Name {
	case "block":
		var b convo.Block
		if err := json.Unmarshal(e.Data, &b); err != nil {
			c.logger.Warn("malformed block event", zap.Error(err))
			return
		}
		m, err := b.ToMessage()
		if err != nil {
			c.logger.Warn("dropping block", zap.Error(err))
			return
		}
		c.mergeServer(gen, m, true)
	case "error":
		var body struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(e.Data, &body)
		msg := body.Message
		if msg == "" {
			msg = body.Detail
		}
		if msg == "" {
			msg = string(e.Data)
		}
		c.surface(gen, "server", errors.New(msg))
	default:
		c.logger.Debug("ignoring event", zap.String("event", e.Name))
	}
}

func (c *Channel) applyLink(gen uint64, s pubsub.Status) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.link = s
	conv := c.convID
	c.mu.Unlock()

	c.logger.Info("text link status", zap.String("status", string(s)))
	c.bus.Publish(bus.Event{Kind: bus.KindLinkChanged, ConversationID: conv, Payload: s})
	if s == pubsub.StatusConnected {
		c.sender.Kick()
	}
}

// mergeServer merges a server-confirmed message. A live local-user message
// with no known id supersedes the oldest pending send with the same
// content. It reports whether the timeline changed.
func (c *Channel) mergeServer(gen uint64, m convo.Message, live bool) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	conv := c.convID
	var superseded string
	if _, known := c.timeline.get(m.ID); !known && live && m.Origin == convo.OriginLocalUser {
		if tp, ok := m.Payload.(convo.TextPayload); ok {
			if p, ok := c.queue.MatchEcho(conv, convo.Signature(tp.Content, tp.Files)); ok && c.timeline.remove(p.LocalID) {
				superseded = p.LocalID
			}
		}
	}
	c.queue.Confirm(m.ID)
	changed := c.timeline.upsert(m)
	if c.oldest.IsZero() || m.CreatedAt.Before(c.oldest) {
		c.oldest = m.CreatedAt
	}
	c.mu.Unlock()

	if superseded != "" {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageRemoved, ConversationID: conv, Payload: superseded})
	}
	if changed {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, ConversationID: conv, Payload: m})
	}
	return changed
}

func (c *Channel) upsert(gen uint64, m convo.Message) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	conv := c.convID
	changed := c.timeline.upsert(m)
	c.mu.Unlock()
	if changed {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, ConversationID: conv, Payload: m})
	}
	return changed
}

func (c *Channel) voiceFailed(gen uint64) {
	c.logger.Warn("voice session failed, falling back to text")
	ended, err := c.endVoice(context.Background(), gen)
	if err != nil {
		c.logger.Warn("leave after failure", zap.Error(err))
	}
	if ended {
		c.surface(gen, "voice", ErrVoiceFailed)
	}
}
