package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls mpdcore.v1.Control on a remote process.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Send runs one command remotely and returns the reply lines.
func (c *Client) Send(ctx context.Context, command string, opts ...grpc.CallOption) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodSend, wrapperspb.String(command), out, opts...); err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		lines = append(lines, v.GetStringValue())
	}
	return lines, nil
}

// Status fetches the remote status document.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventsClient receives a stream of events.
type EventsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// Events subscribes to events matching filter. Cancel ctx to unsubscribe.
func (c *Client) Events(ctx context.Context, filter string, opts ...grpc.CallOption) (EventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodEvents, opts...)
	if err != nil {
		return nil, err
	}
	x := &eventsClient{stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(filter)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type eventsClient struct {
	grpc.ClientStream
}

func (x *eventsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
