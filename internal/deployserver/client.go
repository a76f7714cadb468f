package deployserver

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/rpcjson"
)

// Client is the deployer side of the node control protocol.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		rpcjson.DialOption(),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create deploy node grpc client: %w", err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) BatchLoadModel(ctx context.Context, req models.BatchLoadModelRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "BatchLoadModel", &req)
}

func (c *Client) UnloadModel(ctx context.Context, req models.UnloadModelRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "UnloadModel", &req)
}

func (c *Client) ClearModel(ctx context.Context, req models.ClearModelRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "ClearModel", &req)
}

func (c *Client) UpdateProf(ctx context.Context, req models.UpdateProfRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "UpdateProf", &req)
}

func (c *Client) ExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "ExceptionNotify", &req)
}

func (c *Client) Heartbeat(ctx context.Context) (models.HeartbeatResponse, error) {
	return call[models.HeartbeatResponse](ctx, c, "Heartbeat", &models.HeartbeatRequest{})
}

func (c *Client) SyncVarManager(ctx context.Context, req models.SyncVarManagerRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "SyncVarManager", &req)
}

func (c *Client) BindQueues(ctx context.Context, req models.BindQueuesRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "BindQueues", &req)
}

func (c *Client) UnbindQueues(ctx context.Context, req models.BindQueuesRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "UnbindQueues", &req)
}

func (c *Client) UpdateExceptionRoutes(ctx context.Context, req models.UpdateExceptionRoutesRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "UpdateExceptionRoutes", &req)
}

func (c *Client) AckRedeploy(ctx context.Context, req models.AckRedeployRequest) (models.Response, error) {
	return call[models.Response](ctx, c, "AckRedeploy", &req)
}

func (c *Client) Schedule(ctx context.Context, rootModelID uint32, req models.ScheduleRequest) (models.ScheduleResponse, error) {
	return call[models.ScheduleResponse](ctx, c, "Schedule", &ScheduleRequest{RootModelID: rootModelID, Request: req})
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Rsp any](ctx context.Context, c *Client, method string, in any) (Rsp, error) {
	var out Rsp
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, &out)
	if err != nil {
		return out, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}
