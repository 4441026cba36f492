package restapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/unpod/agentlink/internal/convo"
	"go.uber.org/zap"
)

// RealtimeCredentials locate and authorize the pub/sub channel of a
// conversation.
type RealtimeCredentials struct {
	URL     string `json:"url"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

type roomTokenBody struct {
	Token    string `json:"token"`
	RoomName string `json:"room_name"`
	URL      string `json:"url"`
}

// RoomToken issues a media room token for the conversation.
func (c *Client) RoomToken(ctx context.Context, conversationID string) (convo.RoomToken, error) {
	path := "core/voice/" + url.PathEscape(conversationID) + "/generate_room_token/"
	resp, err := c.Get(ctx, path, map[string]string{"multimodality": "text_audio"})
	if err != nil {
		return convo.RoomToken{}, fmt.Errorf("issue room token: %w", err)
	}
	body, err := decodeData[roomTokenBody](resp)
	if err != nil {
		return convo.RoomToken{}, fmt.Errorf("issue room token: %w", err)
	}
	if body.Token == "" {
		return convo.RoomToken{}, errors.New("issue room token: server returned no token")
	}
	c.logger.Debug("room token issued",
		zap.String("conversation_id", conversationID),
		zap.String("room", body.RoomName))
	return convo.RoomToken{
		Value:          body.Token,
		IssuedAt:       time.Now(),
		ConversationID: conversationID,
		RoomName:       body.RoomName,
		ServerURL:      body.URL,
	}, nil
}

// RealtimeCredentials fetches the pub/sub endpoint, token and channel.
func (c *Client) RealtimeCredentials(ctx context.Context, conversationID string) (RealtimeCredentials, error) {
	resp, err := c.Get(ctx, "conversation/"+url.PathEscape(conversationID)+"/realtime/", nil)
	if err != nil {
		return RealtimeCredentials{}, fmt.Errorf("fetch realtime credentials: %w", err)
	}
	creds, err := decodeData[RealtimeCredentials](resp)
	if err != nil {
		return RealtimeCredentials{}, fmt.Errorf("fetch realtime credentials: %w", err)
	}
	return creds, nil
}

// History returns up to limit blocks created before the given time, oldest
// first as the server sends them. A zero before fetches the newest page.
func (c *Client) History(ctx context.Context, conversationID string, before time.Time, limit int) ([]convo.Block, error) {
	q := map[string]string{}
	if !before.IsZero() {
		q["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	if limit > 0 {
		q["page_size"] = itoa(limit)
	}
	resp, err := c.Get(ctx, "conversation/"+url.PathEscape(conversationID)+"/messages/", q)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	blocks, err := decodeData[[]convo.Block](resp)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return blocks, nil
}

// UploadFile stores a file attachment and returns its reference.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (convo.FileRef, error) {
	resp, err := c.Upload(ctx, "media/upload/", "file", name, r, map[string]string{"name": name})
	if err != nil {
		return convo.FileRef{}, fmt.Errorf("upload file: %w", err)
	}
	body, err := decodeData[convo.FileRef](resp)
	if err != nil {
		return convo.FileRef{}, fmt.Errorf("upload file: %w", err)
	}
	if body.Name == "" {
		body.Name = name
	}
	return body, nil
}
