package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowoffload.v1.OffloadService"

const (
	methodGetStats   = "/" + ServiceName + "/GetStats"
	methodListFlows  = "/" + ServiceName + "/ListFlows"
	methodRemoveFlow = "/" + ServiceName + "/RemoveFlow"
	methodListEvents = "/" + ServiceName + "/ListEvents"
)

// OffloadServer is the server API of the offload service. Requests and
// replies are protobuf well-known Struct messages; the field names match
// the HTTP API's JSON.
type OffloadServer interface {
	// GetStats returns the engine statistics snapshot.
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListFlows takes {shard, limit} and returns {shard, count, flows}.
	ListFlows(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// RemoveFlow takes {protocol, src, dst} and returns {shard, queued}.
	RemoveFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListEvents takes {type, limit} and returns {events}.
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes OffloadServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OffloadServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "ListFlows", Handler: structHandler(methodListFlows, OffloadServer.ListFlows)},
		{MethodName: "RemoveFlow", Handler: structHandler(methodRemoveFlow, OffloadServer.RemoveFlow)},
		{MethodName: "ListEvents", Handler: structHandler(methodListEvents, OffloadServer.ListEvents)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowoffload/v1/offload.proto",
}

// RegisterOffloadServer registers srv on s.
func RegisterOffloadServer(s grpc.ServiceRegistrar, srv OffloadServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OffloadServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OffloadServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type structMethod func(OffloadServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, m structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(OffloadServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(OffloadServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is the client API of the offload service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFlows lists up to limit flows of shard; limit 0 uses the server
// default.
func (c *Client) ListFlows(ctx context.Context, shard, limit int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListFlows, map[string]any{"shard": shard, "limit": limit}, opts...)
}

// RemoveFlow queues the removal of a flow.
func (c *Client) RemoveFlow(ctx context.Context, proto, src, dst string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodRemoveFlow, map[string]any{"protocol": proto, "src": src, "dst": dst}, opts...)
}

// ListEvents returns recent events, newest first, optionally of one type.
func (c *Client) ListEvents(ctx context.Context, typ string, limit int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListEvents, map[string]any{"type": typ, "limit": limit}, opts...)
}
