package api

import (
	"fmt"
	"time"

	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/channel"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages travel as structpb.Struct. The field names below are the wire
// contract between daemon and clients.

func filesToList(files []convo.FileRef) []any {
	out := make([]any, 0, len(files))
	for _, f := range files {
		m := map[string]any{"name": f.Name, "url": f.URL}
		if f.MimeType != "" {
			m["media_type"] = f.MimeType
		}
		if f.Size > 0 {
			m["size"] = float64(f.Size)
		}
		out = append(out, m)
	}
	return out
}

func filesFromList(v any) []convo.FileRef {
	list, _ := v.([]any)
	var out []convo.FileRef
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := convo.FileRef{}
		f.Name, _ = m["name"].(string)
		f.URL, _ = m["url"].(string)
		f.MimeType, _ = m["media_type"].(string)
		if size, ok := m["size"].(float64); ok {
			f.Size = int64(size)
		}
		out = append(out, f)
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func messageToMap(m convo.Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"origin":     string(m.Origin),
		"pending":    m.Pending,
	}
	switch p := m.Payload.(type) {
	case convo.TextPayload:
		out["kind"] = string(convo.KindText)
		out["content"] = p.Content
		out["files"] = filesToList(p.Files)
	case convo.CardPayload:
		out["kind"] = string(convo.KindCard)
		out["card_type"] = string(p.CardType)
		out["data"] = orEmpty(p.Data)
	case convo.LocationPayload:
		out["kind"] = string(convo.KindLocation)
		out["status"] = string(p.Status)
		out["data"] = orEmpty(p.Data)
	}
	return out
}

// MessageFromMap decodes a message encoded by the daemon.
func MessageFromMap(m map[string]any) (convo.Message, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return convo.Message{}, fmt.Errorf("message without id")
	}
	created, _ := m["created_at"].(string)
	at, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return convo.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	msg := convo.Message{ID: id, CreatedAt: at}
	origin, _ := m["origin"].(string)
	msg.Origin = convo.Origin(origin)
	msg.Pending, _ = m["pending"].(bool)
	data, _ := m["data"].(map[string]any)

	kind, _ := m["kind"].(string)
	switch convo.Kind(kind) {
	case convo.KindText:
		content, _ := m["content"].(string)
		msg.Payload = convo.TextPayload{Content: content, Files: filesFromList(m["files"])}
	case convo.KindCard:
		ct, _ := m["card_type"].(string)
		msg.Payload = convo.CardPayload{CardType: convo.CardType(ct), Data: data}
	case convo.KindLocation:
		st, _ := m["status"].(string)
		msg.Payload = convo.LocationPayload{Status: convo.LocationStatus(st), Data: data}
	default:
		return convo.Message{}, fmt.Errorf("message %s: unknown kind %q", id, kind)
	}
	return msg, nil
}

func eventToMap(ev bus.Event) map[string]any {
	out := map[string]any{
		"kind":            ev.Kind,
		"conversation_id": ev.ConversationID,
		"ts":              ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch p := ev.Payload.(type) {
	case convo.Message:
		out["message"] = messageToMap(p)
	case string:
		out["id"] = p
	case convo.Mode:
		out["mode"] = string(p)
	case channel.ErrorEvent:
		out["op"] = p.Op
		out["error"] = p.Err.Error()
	case status.StatusChange:
		out["from"] = string(p.From)
		out["to"] = string(p.To)
	case pubsub.Status:
		out["link"] = string(p)
	}
	return out
}

// Event is a daemon event received through Watch.
type Event struct {
	Kind           string
	ConversationID string
	At             time.Time
	// Message is set for message.upserted.
	Message *convo.Message
	// RemovedID is set for message.removed.
	RemovedID string
	Mode      convo.Mode
	Op        string
	Error     string
	From, To  status.State
	Link      pubsub.Status
}

func eventFromStruct(s *structpb.Struct) (Event, error) {
	m := s.AsMap()
	ev := Event{}
	ev.Kind, _ = m["kind"].(string)
	ev.ConversationID, _ = m["conversation_id"].(string)
	if ts, ok := m["ts"].(string); ok {
		ev.At, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw, ok := m["message"].(map[string]any); ok {
		msg, err := MessageFromMap(raw)
		if err != nil {
			return Event{}, err
		}
		ev.Message = &msg
	}
	ev.RemovedID, _ = m["id"].(string)
	mode, _ := m["mode"].(string)
	ev.Mode = convo.Mode(mode)
	ev.Op, _ = m["op"].(string)
	ev.Error, _ = m["error"].(string)
	from, _ := m["from"].(string)
	to, _ := m["to"].(string)
	ev.From, ev.To = status.State(from), status.State(to)
	link, _ := m["link"].(string)
	ev.Link = pubsub.Status(link)
	return ev, nil
}
