package rmclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/rpcjson"
)

type fakeManager struct {
	mu        sync.Mutex
	instances map[string]models.ProcStatus
	controls  []models.ControlType
}

func (m *fakeManager) Launch(_ context.Context, req *LaunchRequest) (*LaunchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Model.ModelName == "" {
		return &LaunchResponse{Code: 145000, Message: "empty model name"}, nil
	}
	id := string(req.NodeID) + "/" + req.Model.ModelName
	m.instances[id] = models.ProcNormal
	return &LaunchResponse{InstanceID: id, Pid: 4242, Code: models.Success}, nil
}

func (m *fakeManager) Terminate(_ context.Context, req *InstanceRequest) (*models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, req.InstanceID)
	return &models.Response{Code: models.Success}, nil
}

func (m *fakeManager) Status(_ context.Context, req *InstanceRequest) (*StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.instances[req.InstanceID]
	if !ok {
		return nil, status.Error(codes.NotFound, "no such instance")
	}
	return &StatusResponse{InstanceID: req.InstanceID, Status: st}, nil
}

func (m *fakeManager) Control(_ context.Context, req *ControlRequest) (*models.ControlReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, req.Message.Type)
	return &models.ControlReply{ID: req.Message.ID, Code: models.Success}, nil
}

func startManager(t *testing.T) (*Client, *fakeManager) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(rpcjson.ServerOption())
	manager := &fakeManager{instances: make(map[string]models.ProcStatus)}
	RegisterServer(srv, manager)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet", "node-1", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, manager
}

func TestClientLifecycle(t *testing.T) {
	client, manager := startManager(t)
	ctx := context.Background()

	launched, err := client.Launch(ctx, models.LoadModelRequest{ModelName: "encoder"})
	require.NoError(t, err)
	require.Equal(t, "node-1/encoder", launched.InstanceID)
	require.Equal(t, 4242, launched.Pid)

	st, err := client.Status(ctx, launched.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.ProcNormal, st)

	reply, err := client.Control(ctx, launched.InstanceID, models.ControlClear, models.ClearModelRequest{ModelID: 1})
	require.NoError(t, err)
	require.True(t, reply.Code.IsSuccess())
	require.NotEmpty(t, reply.ID)
	require.Equal(t, []models.ControlType{models.ControlClear}, manager.controls)

	require.NoError(t, client.Terminate(ctx, launched.InstanceID))
	st, err = client.Status(ctx, launched.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.ProcExited, st)
}

func TestClientLaunchRefused(t *testing.T) {
	client, _ := startManager(t)
	_, err := client.Launch(context.Background(), models.LoadModelRequest{})
	require.ErrorContains(t, err, "145000")
}
