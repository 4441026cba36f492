// Package api exposes the daemon's conversation channel over gRPC. The
// service is declared by hand with protobuf well-known types as request and
// response bodies, so no generated code is needed.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/channel"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/media"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/restapi"
	"github.com/unpod/agentlink/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentlink.v1.ChannelService"

// Conversation is the channel the service drives. *channel.Channel
// implements it.
type Conversation interface {
	Open(ctx context.Context, conversationID string) error
	Switch(ctx context.Context, conversationID string) error
	Close(ctx context.Context) error
	Send(ctx context.Context, content string, files []convo.FileRef) (convo.Message, error)
	StartVoice(ctx context.Context) error
	EndVoice(ctx context.Context) error
	LoadOlder(ctx context.Context) (int, error)
	AnswerLocation(ctx context.Context, messageID string, granted bool, data map[string]any) error
	Messages() []convo.Message
	Mode() convo.Mode
	State() status.State
	ConversationID() string
	LinkStatus() pubsub.Status
}

// Uploader stores attachments. *restapi.Client implements it.
type Uploader interface {
	UploadFile(ctx context.Context, name string, r io.Reader) (convo.FileRef, error)
}

// ChannelService implements the ChannelService gRPC service.
type ChannelService struct {
	profile   string
	startedAt time.Time
	conv      Conversation
	uploader  Uploader
	bus       *bus.Bus
	shareBase string
	logger    *zap.Logger
}

// NewChannelService creates the service. uploader may be nil, in which
// case sends with attachments are rejected.
func NewChannelService(profile string, conv Conversation, uploader Uploader, b *bus.Bus, shareBase string, logger *zap.Logger) *ChannelService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelService{
		profile:   profile,
		startedAt: time.Now(),
		conv:      conv,
		uploader:  uploader,
		bus:       b,
		shareBase: shareBase,
		logger:    logger.Named("api"),
	}
}

// Register adds the service to srv.
func Register(srv *grpc.Server, svc *ChannelService) {
	srv.RegisterService(&serviceDesc, svc)
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func (s *ChannelService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"profile":         s.profile,
		"conversation_id": s.conv.ConversationID(),
		"state":           string(s.conv.State()),
		"mode":            string(s.conv.Mode()),
		"link":            string(s.conv.LinkStatus()),
		"uptime_ms":       float64(time.Since(s.startedAt).Milliseconds()),
		"messages":        float64(len(s.conv.Messages())),
	})
}

func (s *ChannelService) Open(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, _ := req.AsMap()["conversation_id"].(string)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	var err error
	if s.conv.State() == status.Idle {
		err = s.conv.Open(ctx, id)
	} else {
		err = s.conv.Switch(ctx, id)
	}
	// A stale result means a later open superseded this one.
	if err != nil && !channel.IsStale(err) {
		return nil, toStatus("open", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChannelService) Close(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.conv.Close(ctx); err != nil {
		return nil, toStatus("close", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChannelService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	text, _ := m["text"].(string)
	files := filesFromList(m["files"])

	paths, _ := m["paths"].([]any)
	for _, p := range paths {
		path, _ := p.(string)
		ref, err := s.upload(ctx, path)
		if err != nil {
			return nil, err
		}
		files = append(files, ref)
	}

	msg, err := s.conv.Send(ctx, text, files)
	resp := map[string]any{"delivered": err == nil}
	if err != nil {
		if !errors.Is(err, pubsub.ErrNotConnected) {
			return nil, toStatus("send", err)
		}
		resp["error"] = err.Error()
	}
	resp["message"] = messageToMap(msg)
	return newStruct(resp)
}

func (s *ChannelService) upload(ctx context.Context, path string) (convo.FileRef, error) {
	if s.uploader == nil {
		return convo.FileRef{}, grpcstatus.Error(codes.Unimplemented, "attachments are not configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return convo.FileRef{}, grpcstatus.Errorf(codes.InvalidArgument, "open attachment: %v", err)
	}
	defer func() { _ = f.Close() }()
	ref, err := s.uploader.UploadFile(ctx, filepath.Base(path), f)
	if err != nil {
		return convo.FileRef{}, toStatus("upload", err)
	}
	return ref, nil
}

func (s *ChannelService) StartVoice(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.conv.StartVoice(ctx); err != nil && !channel.IsStale(err) {
		return nil, toStatus("start voice", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChannelService) EndVoice(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.conv.EndVoice(ctx); err != nil {
		return nil, toStatus("end voice", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChannelService) ListMessages(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	msgs := s.conv.Messages()
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, messageToMap(m))
	}
	return newStruct(map[string]any{
		"conversation_id": s.conv.ConversationID(),
		"messages":        list,
	})
}

func (s *ChannelService) LoadOlder(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := s.conv.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus("load older", err)
	}
	return newStruct(map[string]any{"loaded": float64(n)})
}

func (s *ChannelService) AnswerLocation(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	m := req.AsMap()
	id, _ := m["message_id"].(string)
	granted, _ := m["granted"].(bool)
	data, _ := m["data"].(map[string]any)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	if err := s.conv.AnswerLocation(ctx, id, granted, data); err != nil {
		return nil, toStatus("answer location", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChannelService) Share(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	id := s.conv.ConversationID()
	if id == "" {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no conversation open")
	}
	return newStruct(map[string]any{"conversation_id": id, "url": s.shareBase + id})
}

// Watch streams bus events until the client goes away.
func (s *ChannelService) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not initialized")
	}
	events, unsubscribe := s.bus.Subscribe("", 256)
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			out, err := newStruct(eventToMap(ev))
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", ev.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// toStatus maps channel and transport errors to gRPC codes.
func toStatus(op string, err error) error {
	var (
		permErr *media.MediaPermissionError
		tokErr  *media.TokenExpiredError
		apiErr  *restapi.Error
		code    = codes.Internal
	)
	switch {
	case errors.Is(err, channel.ErrNotOpen),
		errors.Is(err, channel.ErrAlreadyOpen),
		errors.Is(err, channel.ErrConversationClosed),
		errors.Is(err, channel.ErrLocationAnswered):
		code = codes.FailedPrecondition
	case errors.Is(err, channel.ErrEmptyMessage),
		errors.Is(err, channel.ErrUnknownMessage),
		errors.Is(err, channel.ErrNotLocationRequest):
		code = codes.InvalidArgument
	case errors.Is(err, pubsub.ErrNotConnected), errors.Is(err, channel.ErrShutdown):
		code = codes.Unavailable
	case errors.As(err, &permErr):
		code = codes.PermissionDenied
	case errors.As(err, &tokErr):
		code = codes.Unauthenticated
	case errors.As(err, &apiErr):
		code = httpCode(apiErr.Status)
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case channel.IsStale(err):
		code = codes.Aborted
	}
	return grpcstatus.Error(code, fmt.Sprintf("%s: %v", op, err))
}

func httpCode(status int) codes.Code {
	switch status {
	case 400:
		return codes.InvalidArgument
	case 401:
		return codes.Unauthenticated
	case 403:
		return codes.PermissionDenied
	case 404:
		return codes.NotFound
	case 429:
		return codes.ResourceExhausted
	}
	if status >= 500 {
		return codes.Unavailable
	}
	return codes.Unknown
}

func unary[Req proto.Message, Resp proto.Message](name string, newReq func() Req, call func(*ChannelService, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*ChannelService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newStructReq() *structpb.Struct { return &structpb.Struct{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", newEmpty, (*ChannelService).GetStatus),
		unary("Open", newStructReq, (*ChannelService).Open),
		unary("Close", newEmpty, (*ChannelService).Close),
		unary("Send", newStructReq, (*ChannelService).Send),
		unary("StartVoice", newEmpty, (*ChannelService).StartVoice),
		unary("EndVoice", newEmpty, (*ChannelService).EndVoice),
		unary("ListMessages", newEmpty, (*ChannelService).ListMessages),
		unary("LoadOlder", newEmpty, (*ChannelService).LoadOlder),
		unary("AnswerLocation", newStructReq, (*ChannelService).AnswerLocation),
		unary("Share", newEmpty, (*ChannelService).Share),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*ChannelService).Watch(in, stream)
			},
		},
	},
	Metadata: "agentlink/v1/channel.proto",
}
