// Package api implements the daemon's control API. Requests and responses
// are google.protobuf.Struct documents so the services need no generated code;
// codec.go defines the field layout of each document.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified service names.
const (
	SessionServiceName = "vksync.v1.SessionService"
	SyncServiceName    = "vksync.v1.SyncService"
	LogServiceName     = "vksync.v1.LogService"
	MessageServiceName = "vksync.v1.MessageService"
)

// SessionServiceServer is the server API for SessionService.
type SessionServiceServer interface {
	GetSessionStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// SyncServiceServer is the server API for SyncService.
type SyncServiceServer interface {
	GetSyncStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resync(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	FetchMessages(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	BeginLocalSend(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ConfirmLocalSend(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// LogServiceServer is the server API for LogService.
type LogServiceServer interface {
	ListLog(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	SearchLog(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	GetImage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// MessageServiceServer is the server API for MessageService.
type MessageServiceServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOutbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor that decodes a Req, runs the interceptor
// chain and dispatches to call.
func unary[Req, Res any](service, method string, call func(srv any, ctx context.Context, in *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*Req))
			})
		},
	}
}

// SessionServiceDesc describes SessionService for grpc.Server.RegisterService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetSessionStatus", func(srv any, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return srv.(SessionServiceServer).GetSessionStatus(ctx, in)
		}),
	},
	Metadata: "vksync.v1",
}

// SyncServiceDesc describes SyncService for grpc.Server.RegisterService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetSyncStatus", func(srv any, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return srv.(SyncServiceServer).GetSyncStatus(ctx, in)
		}),
		unary(SyncServiceName, "Resync", func(srv any, ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error) {
			return srv.(SyncServiceServer).Resync(ctx, in)
		}),
		unary(SyncServiceName, "FetchMessages", func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
			return srv.(SyncServiceServer).FetchMessages(ctx, in)
		}),
		unary(SyncServiceName, "BeginLocalSend", func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
			return srv.(SyncServiceServer).BeginLocalSend(ctx, in)
		}),
		unary(SyncServiceName, "ConfirmLocalSend", func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
			return srv.(SyncServiceServer).ConfirmLocalSend(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchEvents",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SyncServiceServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "vksync.v1",
}

// LogServiceDesc describes LogService for grpc.Server.RegisterService.
var LogServiceDesc = grpc.ServiceDesc{
	ServiceName: LogServiceName,
	HandlerType: (*LogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(LogServiceName, "ListLog", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
			return srv.(LogServiceServer).ListLog(ctx, in)
		}),
		unary(LogServiceName, "SearchLog", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
			return srv.(LogServiceServer).SearchLog(ctx, in)
		}),
		unary(LogServiceName, "GetImage", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(LogServiceServer).GetImage(ctx, in)
		}),
	},
	Metadata: "vksync.v1",
}

// MessageServiceDesc describes MessageService for grpc.Server.RegisterService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "SendMessage", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(MessageServiceServer).SendMessage(ctx, in)
		}),
		unary(MessageServiceName, "GetOutbox", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(MessageServiceServer).GetOutbox(ctx, in)
		}),
	},
	Metadata: "vksync.v1",
}

// RegisterSessionServiceServer registers srv with s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// RegisterSyncServiceServer registers srv with s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

// RegisterLogServiceServer registers srv with s.
func RegisterLogServiceServer(s grpc.ServiceRegistrar, srv LogServiceServer) {
	s.RegisterService(&LogServiceDesc, srv)
}

// RegisterMessageServiceServer registers srv with s.
func RegisterMessageServiceServer(s grpc.ServiceRegistrar, srv MessageServiceServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}

// Conn invokes control API methods over a client connection.
type Conn struct {
	cc grpc.ClientConnInterface
}

// NewConn wraps cc.
func NewConn(cc grpc.ClientConnInterface) *Conn {
	return &Conn{cc: cc}
}

// Invoke calls a unary method.
func (c *Conn) Invoke(ctx context.Context, service, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(service, method), in, out, opts...)
}

// WatchEvents opens the event stream.
func (c *Conn) WatchEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SyncServiceDesc.Streams[0], fullMethod(SyncServiceName, "WatchEvents"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
