package deployserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const serviceName = "flowdeploy.DeployNode"

type ScheduleRequest struct {
	RootModelID uint32                 `json:"root_model_id"`
	Request     models.ScheduleRequest `json:"request"`
}

// DeployNodeServer is the node side of the deployer's control protocol.
type DeployNodeServer interface {
	BatchLoadModel(ctx context.Context, req *models.BatchLoadModelRequest) (*models.Response, error)
	UnloadModel(ctx context.Context, req *models.UnloadModelRequest) (*models.Response, error)
	ClearModel(ctx context.Context, req *models.ClearModelRequest) (*models.Response, error)
	UpdateProf(ctx context.Context, req *models.UpdateProfRequest) (*models.Response, error)
	ExceptionNotify(ctx context.Context, req *models.ExceptionNotifyRequest) (*models.Response, error)
	Heartbeat(ctx context.Context, req *models.HeartbeatRequest) (*models.HeartbeatResponse, error)
	SyncVarManager(ctx context.Context, req *models.SyncVarManagerRequest) (*models.Response, error)
	BindQueues(ctx context.Context, req *models.BindQueuesRequest) (*models.Response, error)
	UnbindQueues(ctx context.Context, req *models.BindQueuesRequest) (*models.Response, error)
	UpdateExceptionRoutes(ctx context.Context, req *models.UpdateExceptionRoutesRequest) (*models.Response, error)
	AckRedeploy(ctx context.Context, req *models.AckRedeployRequest) (*models.Response, error)
	Schedule(ctx context.Context, req *ScheduleRequest) (*models.ScheduleResponse, error)
}

func RegisterDeployNodeServer(s grpc.ServiceRegistrar, srv DeployNodeServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DeployNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("BatchLoadModel", DeployNodeServer.BatchLoadModel),
		unary("UnloadModel", DeployNodeServer.UnloadModel),
		unary("ClearModel", DeployNodeServer.ClearModel),
		unary("UpdateProf", DeployNodeServer.UpdateProf),
		unary("ExceptionNotify", DeployNodeServer.ExceptionNotify),
		unary("Heartbeat", DeployNodeServer.Heartbeat),
		unary("SyncVarManager", DeployNodeServer.SyncVarManager),
		unary("BindQueues", DeployNodeServer.BindQueues),
		unary("UnbindQueues", DeployNodeServer.UnbindQueues),
		unary("UpdateExceptionRoutes", DeployNodeServer.UpdateExceptionRoutes),
		unary("AckRedeploy", DeployNodeServer.AckRedeploy),
		unary("Schedule", DeployNodeServer.Schedule),
	},
	Streams: []grpc.StreamDesc{},
}

func unary[Req, Rsp any](method string, call func(DeployNodeServer, context.Context, *Req) (*Rsp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DeployNodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DeployNodeServer), ctx, req.(*Req))
			})
		},
	}
}
