package feed

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const subscribeMethod = "/sovereign.relay.v1.Feed/Subscribe"

// FeedServer is the server API for the Feed service.
//
// The service uses protobuf well-known wrapper types so no codegen is
// needed. Each streamed BytesValue is a protobuf-wire encoded
// envelope.Message.
//
//	service Feed {
//	  rpc Subscribe(google.protobuf.StringValue) returns (stream google.protobuf.BytesValue);
//	}
type FeedServer interface {
	Subscribe(*wrapperspb.StringValue, Feed_SubscribeServer) error
}

// UnimplementedFeedServer can be embedded to have forward compatible implementations.
type UnimplementedFeedServer struct{}

func (UnimplementedFeedServer) Subscribe(*wrapperspb.StringValue, Feed_SubscribeServer) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

// RegisterFeedServer registers the Feed service on a gRPC server.
func RegisterFeedServer(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&Feed_ServiceDesc, srv)
}

type Feed_SubscribeServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type feedSubscribeServer struct{ grpc.ServerStream }

func (x *feedSubscribeServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// FeedClient is the client API for the Feed service.
type FeedClient interface {
	Subscribe(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (Feed_SubscribeClient, error)
}

type Feed_SubscribeClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type feedClient struct{ cc grpc.ClientConnInterface }

func NewFeedClient(cc grpc.ClientConnInterface) FeedClient { return &feedClient{cc: cc} }

func (c *feedClient) Subscribe(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (Feed_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &Feed_ServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &feedSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type feedSubscribeClient struct{ grpc.ClientStream }

func (x *feedSubscribeClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Feed_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FeedServer).Subscribe(m, &feedSubscribeServer{stream})
}

// Feed_ServiceDesc is the grpc.ServiceDesc for Feed service.
var Feed_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sovereign.relay.v1.Feed",
	HandlerType: (*FeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       _Feed_Subscribe_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "feed.proto",
}
