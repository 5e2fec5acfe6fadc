// Package grpcapi exposes the coordinator as the activityd.v1.Activity gRPC
// service. Messages are the api package types carried with a JSON codec, so
// no generated stubs are involved.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"pkt.systems/activityd/api"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "activityd.v1.Activity"

// activityServer is the server-side contract of the service.
type activityServer interface {
	Connect(context.Context, *api.ConnectRequest) (*api.ConnectResponse, error)
	Disconnect(context.Context, *api.DisconnectRequest) (*api.DisconnectResponse, error)
	QueryState(context.Context, *api.StateRequest) (*api.StateResponse, error)
	RequestTransition(context.Context, *api.TransitionRequest) (*api.TransitionResponse, error)
	SubmitAck(context.Context, *api.AckRequest) (*api.AckResponse, error)
	ReportMachine(context.Context, *api.MachineRequest) (*api.MachineResponse, error)
	Status(context.Context, *api.StatusRequest) (*api.StatusResponse, error)
	History(context.Context, *api.HistoryRequest) (*api.HistoryResponse, error)
	Watch(*api.WatchRequest, grpc.ServerStream) error
}

const watchStream = "Watch"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*activityServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", activityServer.Connect),
		unary("Disconnect", activityServer.Disconnect),
		unary("QueryState", activityServer.QueryState),
		unary("RequestTransition", activityServer.RequestTransition),
		unary("SubmitAck", activityServer.SubmitAck),
		unary("ReportMachine", activityServer.ReportMachine),
		unary("Status", activityServer.Status),
		unary("History", activityServer.History),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    watchStream,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "activityd/v1/activity",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(activityServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := fullMethod(method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(activityServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(activityServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(api.WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(activityServer).Watch(in, stream)
}
