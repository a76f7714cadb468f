package rmclient

import (
	"context"

	"google.golang.org/grpc"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const serviceName = "flowdeploy.ResourceManager"

type LaunchRequest struct {
	NodeID models.NodeID           `json:"node_id"`
	Model  models.LoadModelRequest `json:"model"`
}

type LaunchResponse struct {
	InstanceID string            `json:"instance_id"`
	Pid        int               `json:"pid"`
	Code       models.ResultCode `json:"code"`
	Message    string            `json:"message,omitempty"`
}

type InstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type StatusResponse struct {
	InstanceID string            `json:"instance_id"`
	Status     models.ProcStatus `json:"status"`
}

type ControlRequest struct {
	InstanceID string                `json:"instance_id"`
	Message    models.ControlMessage `json:"message"`
}

// Server is implemented by a remote resource manager.
type Server interface {
	Launch(ctx context.Context, req *LaunchRequest) (*LaunchResponse, error)
	Terminate(ctx context.Context, req *InstanceRequest) (*models.Response, error)
	Status(ctx context.Context, req *InstanceRequest) (*StatusResponse, error)
	Control(ctx context.Context, req *ControlRequest) (*models.ControlReply, error)
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Launch", Handler: launchHandler},
		{MethodName: "Terminate", Handler: terminateHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Control", Handler: controlHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func launchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LaunchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Launch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Launch"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Launch(ctx, req.(*LaunchRequest))
	})
}

func terminateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InstanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Terminate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Terminate"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Terminate(ctx, req.(*InstanceRequest))
	})
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InstanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Status(ctx, req.(*InstanceRequest))
	})
}

func controlHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ControlRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Control(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Control"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Control(ctx, req.(*ControlRequest))
	})
}
