package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of kneader/v1/controller.proto:
//
//	service Controller {
//	  rpc Execute(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc WatchStatus(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
const (
	ServiceName               = "kneader.v1.Controller"
	ExecuteFullMethodName     = "/kneader.v1.Controller/Execute"
	WatchStatusFullMethodName = "/kneader.v1.Controller/WatchStatus"
)

// ControllerServer is the server API for the Controller service. Both
// messages are well-known types, so no generated message code is needed.
type ControllerServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchStatus(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterControllerServer(s grpc.ServiceRegistrar, srv ControllerServer) {
	s.RegisterService(&Controller_ServiceDesc, srv)
}

func _Controller_Execute_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteFullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Controller_WatchStatus_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ControllerServer).WatchStatus(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

var Controller_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    _Controller_Execute_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStatus",
			Handler:       _Controller_WatchStatus_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "kneader/v1/controller.proto",
}

// ControllerClient is the client API for the Controller service.
type ControllerClient struct {
	cc grpc.ClientConnInterface
}

func NewControllerClient(cc grpc.ClientConnInterface) *ControllerClient {
	return &ControllerClient{cc: cc}
}

func (c *ControllerClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ExecuteFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControllerClient) WatchStatus(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &Controller_ServiceDesc.Streams[0], WatchStatusFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
