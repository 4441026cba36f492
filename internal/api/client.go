package api

import (
	"context"
	"fmt"
	"time"

	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is lazy; the first
// call fails if no daemon is listening.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func method(name string) string {
	return "/" + ServiceName + "/" + name
}

func (c *Client) invoke(ctx context.Context, name string, req, resp any) error {
	return c.conn.Invoke(ctx, method(name), req, resp)
}

func (c *Client) invokeStruct(ctx context.Context, name string, req any) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, name, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Status is the daemon's view of its conversation.
type Status struct {
	Profile        string
	ConversationID string
	State          status.State
	Mode           convo.Mode
	Link           pubsub.Status
	Uptime         time.Duration
	Messages       int
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	m, err := c.invokeStruct(ctx, "GetStatus", &emptypb.Empty{})
	if err != nil {
		return Status{}, err
	}
	st := Status{}
	st.Profile, _ = m["profile"].(string)
	st.ConversationID, _ = m["conversation_id"].(string)
	state, _ := m["state"].(string)
	mode, _ := m["mode"].(string)
	link, _ := m["link"].(string)
	st.State, st.Mode, st.Link = status.State(state), convo.Mode(mode), pubsub.Status(link)
	if ms, ok := m["uptime_ms"].(float64); ok {
		st.Uptime = time.Duration(ms) * time.Millisecond
	}
	if n, ok := m["messages"].(float64); ok {
		st.Messages = int(n)
	}
	return st, nil
}

// Open opens conversationID, switching away from any open conversation.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	req, err := structpb.NewStruct(map[string]any{"conversation_id": conversationID})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Open", req, &emptypb.Empty{})
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, "Close", &emptypb.Empty{}, &emptypb.Empty{})
}

// SendResult is the outcome of Send. Delivered is false when the message
// was kept pending for retry.
type SendResult struct {
	Message   convo.Message
	Delivered bool
	Error     string
}

// Send posts text. paths are local files the daemon uploads and attaches.
func (c *Client) Send(ctx context.Context, text string, paths ...string) (SendResult, error) {
	list := make([]any, 0, len(paths))
	for _, p := range paths {
		list = append(list, p)
	}
	req, err := structpb.NewStruct(map[string]any{"text": text, "paths": list})
	if err != nil {
		return SendResult{}, err
	}
	m, err := c.invokeStruct(ctx, "Send", req)
	if err != nil {
		return SendResult{}, err
	}
	res := SendResult{}
	res.Delivered, _ = m["delivered"].(bool)
	res.Error, _ = m["error"].(string)
	raw, _ := m["message"].(map[string]any)
	res.Message, err = MessageFromMap(raw)
	return res, err
}

func (c *Client) StartVoice(ctx context.Context) error {
	return c.invoke(ctx, "StartVoice", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) EndVoice(ctx context.Context) error {
	return c.invoke(ctx, "EndVoice", &emptypb.Empty{}, &emptypb.Empty{})
}

// Messages returns the daemon's timeline, oldest first.
func (c *Client) Messages(ctx context.Context) ([]convo.Message, error) {
	m, err := c.invokeStruct(ctx, "ListMessages", &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	list, _ := m["messages"].([]any)
	out := make([]convo.Message, 0, len(list))
	for _, item := range list {
		raw, _ := item.(map[string]any)
		msg, err := MessageFromMap(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// LoadOlder asks the daemon for the previous page of history.
func (c *Client) LoadOlder(ctx context.Context) (int, error) {
	m, err := c.invokeStruct(ctx, "LoadOlder", &emptypb.Empty{})
	if err != nil {
		return 0, err
	}
	n, _ := m["loaded"].(float64)
	return int(n), nil
}

func (c *Client) AnswerLocation(ctx context.Context, messageID string, granted bool, data map[string]any) error {
	body := map[string]any{"message_id": messageID, "granted": granted}
	if data != nil {
		body["data"] = data
	}
	req, err := structpb.NewStruct(body)
	if err != nil {
		return err
	}
	return c.invoke(ctx, "AnswerLocation", req, &emptypb.Empty{})
}

// ShareURL returns the public link of the open conversation.
func (c *Client) ShareURL(ctx context.Context) (string, error) {
	m, err := c.invokeStruct(ctx, "Share", &emptypb.Empty{})
	if err != nil {
		return "", err
	}
	url, _ := m["url"].(string)
	return url, nil
}

var watchDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Watch streams daemon events until ctx is done or the daemon goes away.
// The returned channel is closed when the stream ends.
func (c *Client) Watch(ctx context.Context) (<-chan Event, error) {
	stream, err := c.conn.NewStream(ctx, watchDesc, method("Watch"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			ev, err := eventFromStruct(msg)
			if err != nil {
				ev = Event{Kind: "decode.error", Error: fmt.Sprint(err)}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
