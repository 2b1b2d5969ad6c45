// Package grpcsink exposes saga.v1.EventSink, a one-method gRPC service that
// accepts saga messages. The request and response are structpb.Struct so no
// generated code is needed.
//
// Request fields: kind (string), payload (JSON string), and optionally
// message_id, correlation_id and sender_id. The x-* metadata headers take
// precedence over the body fields.
package grpcsink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "saga.v1.EventSink"
	PublishMethod = "/" + ServiceName + "/Publish"
)

type EventSinkServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventSinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "saga/v1/event_sink.proto",
}

func RegisterEventSinkServer(s grpc.ServiceRegistrar, srv EventSinkServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventSinkServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventSinkServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
