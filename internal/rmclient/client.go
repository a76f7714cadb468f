package rmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/rpcjson"
)

// Client talks to the remote resource manager that owns proxied workers.
type Client struct {
	conn    *grpc.ClientConn
	nodeID  models.NodeID
	timeout time.Duration
}

func NewClient(addr string, nodeID models.NodeID, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		rpcjson.DialOption(),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager grpc client: %w", err)
	}
	return &Client{
		conn:    conn,
		nodeID:  nodeID,
		timeout: timeout,
	}, nil
}

func (c *Client) Launch(ctx context.Context, model models.LoadModelRequest) (*LaunchResponse, error) {
	out := new(LaunchResponse)
	err := c.invoke(ctx, "Launch", &LaunchRequest{NodeID: c.nodeID, Model: model}, out)
	if err != nil {
		return nil, err
	}
	if !out.Code.IsSuccess() {
		return nil, fmt.Errorf("resource manager refused to launch %s: code %d: %s", model.ModelName, out.Code, out.Message)
	}
	return out, nil
}

func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	out := new(models.Response)
	err := c.invoke(ctx, "Terminate", &InstanceRequest{InstanceID: instanceID}, out)
	if err != nil {
		return err
	}
	if !out.Code.IsSuccess() {
		return fmt.Errorf("failed to terminate instance %s: code %d: %s", instanceID, out.Code, out.Message)
	}
	return nil
}

// Status reports Exited for instances the resource manager no longer knows.
func (c *Client) Status(ctx context.Context, instanceID string) (models.ProcStatus, error) {
	out := new(StatusResponse)
	err := c.invoke(ctx, "Status", &InstanceRequest{InstanceID: instanceID}, out)
	if status.Code(err) == codes.NotFound {
		return models.ProcExited, nil
	}
	if err != nil {
		return models.ProcInvalid, err
	}
	return out.Status, nil
}

func (c *Client) Control(ctx context.Context, instanceID string, typ models.ControlType, payload any) (*models.ControlReply, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}
	msg := models.ControlMessage{ID: id, Type: typ}
	if payload != nil {
		msg.Payload, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
	}
	out := new(models.ControlReply)
	err = c.invoke(ctx, "Control", &ControlRequest{InstanceID: instanceID, Message: msg}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("resource manager %s timed out: %w", method, err)
	case codes.InvalidArgument:
		return fmt.Errorf("invalid %s request to resource manager: %w", method, err)
	case codes.Unavailable:
		return fmt.Errorf("resource manager unavailable: %w", err)
	}
	return fmt.Errorf("resource manager %s failed: %w", method, err)
}
