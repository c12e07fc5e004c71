package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/zde37/kvring/internal/message"
)

const (
	nodeServiceName = "kvring.Node"
	joinServiceName = "kvring.Join"

	deliverMethod = "/kvring.Node/Deliver"
	respondMethod = "/kvring.Join/Respond"
)

// nodeService is served on the command endpoint.
type nodeService interface {
	Deliver(ctx context.Context, msg *message.Message) (*message.Response, error)
}

// joinService is served on the join endpoint.
type joinService interface {
	Respond(ctx context.Context, msg *message.Message) (*message.Response, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeServiceName,
	HandlerType: (*nodeService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvring",
}

var joinServiceDesc = grpc.ServiceDesc{
	ServiceName: joinServiceName,
	HandlerType: (*joinService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Respond",
			Handler:    respondHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvring",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeService).Deliver(ctx, req.(*message.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func respondHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(joinService).Respond(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: respondMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(joinService).Respond(ctx, req.(*message.Message))
	}
	return interceptor(ctx, in, info, handler)
}
