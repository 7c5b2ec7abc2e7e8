// Package server exposes a controller over gRPC as the mpdcore.v1.Control
// service.
//
// The messages are protobuf well-known types, so the service descriptor is
// written by hand and no generated code is needed:
//
//	rpc Send(google.protobuf.StringValue) returns (google.protobuf.ListValue);
//	rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	rpc Events(google.protobuf.StringValue) returns (stream google.protobuf.Struct);
package server

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/mpdcore/internal/connector"
	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

const (
	serviceName = "mpdcore.v1.Control"

	methodSend   = "/" + serviceName + "/Send"
	methodStatus = "/" + serviceName + "/Status"
	methodEvents = "/" + serviceName + "/Events"
)

// eventBuffer is how many events a slow Events subscriber may lag behind
// before further events are dropped for it.
const eventBuffer = 64

// Backend is what the service needs from the controller.
type Backend interface {
	Send(ctx context.Context, command string) (protocol.Reply, error)
	Status(ctx context.Context) (map[string]string, error)
	IsConnected() bool
	State() types.ConnState
	Mode() string
	ServerVersion() string
	LastError() string
	JobStats() types.JobStats
	RegisterEventHandler(filter types.Mask, fn event.HandlerFunc) int
	UnregisterEventHandler(id int)
}

// ControlServer is the server API of mpdcore.v1.Control.
type ControlServer interface {
	Send(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Events(*wrapperspb.StringValue, EventsServer) error
}

// EventsServer is the server side of the Events stream.
type EventsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// Server implements ControlServer over a Backend.
type Server struct {
	backend Backend
	log     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates the service implementation.
func New(b Backend, opts ...Option) *Server {
	s := &Server{backend: b, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the service to a grpc.Server.
func Register(gs grpc.ServiceRegistrar, srv ControlServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// Send runs one command and returns the raw reply lines.
func (s *Server) Send(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	cmd := in.GetValue()
	if cmd == "" {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	r, err := s.backend.Send(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	values := make([]*structpb.Value, 0, len(r.Lines))
	for _, l := range r.Lines {
		values = append(values, structpb.NewStringValue(l))
	}
	return &structpb.ListValue{Values: values}, nil
}

// Status reports connection state, job statistics and, while connected,
// the server's own status reply.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.backend.JobStats()
	out := map[string]any{
		"connected":      s.backend.IsConnected(),
		"state":          s.backend.State().String(),
		"mode":           s.backend.Mode(),
		"server_version": s.backend.ServerVersion(),
		"last_error":     s.backend.LastError(),
		"jobs": map[string]any{
			"pending":        stats.Pending,
			"running":        stats.Running,
			"results":        stats.Results,
			"last_submitted": int64(stats.LastSubmitted),
			"last_finished":  int64(stats.LastFinished),
		},
	}
	if s.backend.IsConnected() {
		st, err := s.backend.Status(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		player := make(map[string]any, len(st))
		for k, v := range st {
			player[k] = v
		}
		out["status"] = player
	}
	pb, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return pb, nil
}

// Events streams dispatched events matching the filter (category names
// separated by commas; empty means all) until the client goes away.
func (s *Server) Events(in *wrapperspb.StringValue, stream EventsServer) error {
	filter := types.All
	if f := in.GetValue(); f != "" {
		m, unknown := types.ParseMask(f)
		if len(unknown) > 0 {
			return status.Errorf(codes.InvalidArgument, "unknown categories: %v", unknown)
		}
		filter = m
	}

	ch := make(chan types.Event, eventBuffer)
	id := s.backend.RegisterEventHandler(filter, func(_ context.Context, ev types.Event) {
		select {
		case ch <- ev:
		default:
			s.log.Warn("events subscriber lagging, event dropped", "mask", ev.Mask)
		}
	})
	defer s.backend.UnregisterEventHandler(id)
	s.log.Debug("events subscriber attached", "mask", filter)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			if err := stream.Send(EventStruct(ev)); err != nil {
				return err
			}
		}
	}
}

// EventStruct encodes an event as {"mask", "categories", "error"}.
func EventStruct(ev types.Event) *structpb.Struct {
	names := ev.Mask.Names()
	cats := make([]*structpb.Value, 0, len(names))
	for _, n := range names {
		cats = append(cats, structpb.NewStringValue(n))
	}
	fields := map[string]*structpb.Value{
		"mask":       structpb.NewStringValue(ev.Mask.String()),
		"categories": structpb.NewListValue(&structpb.ListValue{Values: cats}),
	}
	if ev.Err != nil {
		fields["error"] = structpb.NewStringValue(ev.Err.Error())
	}
	return &structpb.Struct{Fields: fields}
}

// toStatus maps controller errors onto gRPC codes.
func toStatus(err error) error {
	var ack *protocol.AckError
	switch {
	case errors.Is(err, connector.ErrNotConnected):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &ack):
		switch ack.Code {
		case protocol.AckArg, protocol.AckUnknown:
			return status.Error(codes.InvalidArgument, err.Error())
		case protocol.AckPassword, protocol.AckPermission:
			return status.Error(codes.PermissionDenied, err.Error())
		case protocol.AckExist:
			return status.Error(codes.NotFound, err.Error())
		default:
			return status.Error(codes.FailedPrecondition, err.Error())
		}
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

// ServiceDesc describes mpdcore.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "mpdcore/v1/control.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Send(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Events(in, &eventsServer{stream})
}

type eventsServer struct {
	grpc.ServerStream
}

func (x *eventsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}
