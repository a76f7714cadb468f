package deployserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Sh00ty/flowdeploy/internal/metrics"
	"github.com/Sh00ty/flowdeploy/internal/models"
)

type DeployContext interface {
	BatchLoadModel(ctx context.Context, req models.BatchLoadModelRequest) models.Response
	UnloadModel(ctx context.Context, req models.UnloadModelRequest) models.Response
	ClearModel(ctx context.Context, req models.ClearModelRequest) models.Response
	UpdateProf(ctx context.Context, req models.UpdateProfRequest) models.Response
	ExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) models.Response
	Heartbeat(ctx context.Context) models.HeartbeatResponse
	SyncVarManager(ctx context.Context, req models.SyncVarManagerRequest) models.Response
	BindQueues(ctx context.Context, req models.BindQueuesRequest) models.Response
	UnbindQueues(ctx context.Context, req models.BindQueuesRequest) models.Response
	UpdateExceptionRoutes(ctx context.Context, req models.UpdateExceptionRoutesRequest) models.Response
	AckRedeploy(ctx context.Context, req models.AckRedeployRequest) models.Response
	Schedule(rootModelID uint32, req models.ScheduleRequest) (models.ScheduleResponse, error)
}

func NewServer(dc DeployContext) *Server {
	return &Server{dc: dc}
}

// Server maps transport requests onto the deploy context. Operation failures
// travel in the response code; only malformed requests fail the RPC.
type Server struct {
	dc DeployContext
}

var _ DeployNodeServer = (*Server)(nil)

func (srv *Server) BatchLoadModel(ctx context.Context, req *models.BatchLoadModelRequest) (*models.Response, error) {
	if len(req.Models) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "root model %d: empty batch", req.RootModelID)
	}
	if req.RootModelID == 0 {
		return nil, status.Error(codes.InvalidArgument, "root model id is required")
	}
	rsp := srv.dc.BatchLoadModel(ctx, *req)
	return &rsp, nil
}

func (srv *Server) UnloadModel(ctx context.Context, req *models.UnloadModelRequest) (*models.Response, error) {
	rsp := srv.dc.UnloadModel(ctx, *req)
	return &rsp, nil
}

func (srv *Server) ClearModel(ctx context.Context, req *models.ClearModelRequest) (*models.Response, error) {
	if req.ClearType != models.ClearStop && req.ClearType != models.ClearClean {
		return nil, status.Errorf(codes.InvalidArgument, "unknown clear type %d", req.ClearType)
	}
	rsp := srv.dc.ClearModel(ctx, *req)
	return &rsp, nil
}

func (srv *Server) UpdateProf(ctx context.Context, req *models.UpdateProfRequest) (*models.Response, error) {
	rsp := srv.dc.UpdateProf(ctx, *req)
	return &rsp, nil
}

func (srv *Server) ExceptionNotify(ctx context.Context, req *models.ExceptionNotifyRequest) (*models.Response, error) {
	rsp := srv.dc.ExceptionNotify(ctx, *req)
	return &rsp, nil
}

func (srv *Server) Heartbeat(ctx context.Context, _ *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	rsp := srv.dc.Heartbeat(ctx)
	return &rsp, nil
}

func (srv *Server) SyncVarManager(ctx context.Context, req *models.SyncVarManagerRequest) (*models.Response, error) {
	rsp := srv.dc.SyncVarManager(ctx, *req)
	return &rsp, nil
}

func (srv *Server) BindQueues(ctx context.Context, req *models.BindQueuesRequest) (*models.Response, error) {
	if err := validRoutes(req.Endpoints, req.Routes); err != nil {
		return nil, err
	}
	rsp := srv.dc.BindQueues(ctx, *req)
	return &rsp, nil
}

func (srv *Server) UnbindQueues(ctx context.Context, req *models.BindQueuesRequest) (*models.Response, error) {
	if err := validRoutes(req.Endpoints, req.Routes); err != nil {
		return nil, err
	}
	rsp := srv.dc.UnbindQueues(ctx, *req)
	return &rsp, nil
}

func (srv *Server) UpdateExceptionRoutes(ctx context.Context, req *models.UpdateExceptionRoutesRequest) (*models.Response, error) {
	if err := validRoutes(req.Endpoints, req.Routes); err != nil {
		return nil, err
	}
	rsp := srv.dc.UpdateExceptionRoutes(ctx, *req)
	return &rsp, nil
}

func (srv *Server) AckRedeploy(ctx context.Context, req *models.AckRedeployRequest) (*models.Response, error) {
	rsp := srv.dc.AckRedeploy(ctx, *req)
	return &rsp, nil
}

func (srv *Server) Schedule(_ context.Context, req *ScheduleRequest) (*models.ScheduleResponse, error) {
	rsp, err := srv.dc.Schedule(req.RootModelID, req.Request)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "failed to schedule trans %d: %v", req.Request.TransID, err)
	}
	return &rsp, nil
}

func validRoutes(endpoints []models.Endpoint, routes []models.Route) error {
	for _, r := range routes {
		if r.Src < 0 || r.Src >= len(endpoints) || r.Dst < 0 || r.Dst >= len(endpoints) {
			return status.Errorf(codes.InvalidArgument, "route %s is out of %d endpoints", r, len(endpoints))
		}
	}
	return nil
}

// LoggingInterceptor logs every call with its duration and gRPC code.
func LoggingInterceptor(m metrics.Metrics) grpc.UnaryServerInterceptor {
	if m == nil {
		m = metrics.Noop{}
	}
	logger := log.With().Str("component", "deployserver").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		rsp, err := handler(ctx, req)
		elapsed := time.Since(started)
		m.Duration("rpc"+info.FullMethod, elapsed)

		level := zerolog.DebugLevel
		if err != nil {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).Err(err).Msgf("%s finished with %s in %s", info.FullMethod, status.Code(err), elapsed)
		return rsp, err
	}
}
