package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/executor"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
)

type fakeHandle struct {
	kind models.ExecutorKind

	mu       sync.Mutex
	nextPid  int
	failLoad map[string]error
	status   map[models.ExecutorKey]models.ProcStatus
	calls    []string
	clears   []models.ClearModelRequest
	opErr    error
}

func newFakeHandle(kind models.ExecutorKind) *fakeHandle {
	return &fakeHandle{
		kind:     kind,
		nextPid:  100,
		failLoad: make(map[string]error),
		status:   make(map[models.ExecutorKey]models.ProcStatus),
	}
}

func (h *fakeHandle) record(call string) {
	h.calls = append(h.calls, call)
}

func (h *fakeHandle) Kind() models.ExecutorKind { return h.kind }

func (h *fakeHandle) Initialize(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("init")
	return nil
}

func (h *fakeHandle) LoadModel(_ context.Context, req models.BatchLoadModelRequest) ([]models.LoadedInstance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("load")

	var (
		loaded []models.LoadedInstance
		errs   error
	)
	for _, model := range req.Models {
		if err, ok := h.failLoad[model.ModelName]; ok {
			errs = errors.Join(errs, err)
			continue
		}
		h.nextPid++
		key := models.ExecutorKey{RootModelID: req.RootModelID, DeviceID: model.DeviceID, ProcessID: h.nextPid}
		h.status[key] = models.ProcNormal
		loaded = append(loaded, models.LoadedInstance{Key: key, InstanceNames: model.InstanceNames})
	}
	return loaded, errs
}

func (h *fakeHandle) UnloadModel(context.Context, uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("unload")
	return h.opErr
}

func (h *fakeHandle) ClearModelRunningData(_ context.Context, req models.ClearModelRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("clear")
	h.clears = append(h.clears, req)
	return h.opErr
}

func (h *fakeHandle) DataFlowExceptionNotify(context.Context, models.ExceptionNotifyRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("notify")
	return h.opErr
}

func (h *fakeHandle) UpdateProf(context.Context, models.UpdateProfRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("prof")
	return h.opErr
}

func (h *fakeHandle) SyncVarManager(context.Context, models.SyncVarManagerRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("sync")
	return nil
}

func (h *fakeHandle) GetSubProcStat(key models.ExecutorKey) models.ProcStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[key]
	if !ok {
		return models.ProcInvalid
	}
	return st
}

func (h *fakeHandle) Finalize(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("finalize")
	return nil
}

func (h *fakeHandle) exit(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.status {
		if key.ProcessID == pid {
			h.status[key] = models.ProcExited
		}
	}
}

func (h *fakeHandle) getCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type fakeGateway struct {
	calls []string
	err   error
}

func (g *fakeGateway) BindQueues(context.Context, []models.Endpoint, []models.Route) error {
	g.calls = append(g.calls, "bind")
	return g.err
}

func (g *fakeGateway) UnbindQueues(context.Context, []models.Endpoint, []models.Route) error {
	g.calls = append(g.calls, "unbind")
	return g.err
}

func (g *fakeGateway) UpdateExceptionRoutes(context.Context, []models.Route, []models.Endpoint) error {
	g.calls = append(g.calls, "exception-routes")
	return g.err
}

func submodel(kind models.ExecutorKind, name string, device int32, instances ...string) models.LoadModelRequest {
	return models.LoadModelRequest{
		ModelName:     name,
		Kind:          kind,
		DeviceID:      device,
		InstanceNames: instances,
	}
}

type testEnv struct {
	ctx     context.Context
	udf     *fakeHandle
	builtin *fakeHandle
	gw      *fakeGateway
	events  chan models.AbnormalEvent
	dc      *DeployContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:     context.Background(),
		udf:     newFakeHandle(models.ExecutorUDF),
		builtin: newFakeHandle(models.ExecutorBuiltin),
		gw:      &fakeGateway{},
		events:  make(chan models.AbnormalEvent, 16),
	}
	env.dc = New(Config{NodeID: "node-1"}, []executor.Handle{env.udf, env.builtin}, env.gw, env.events, nil)
	return env
}

func loadedPid(t *testing.T, dc *DeployContext, root uint32, name string) int {
	t.Helper()
	dc.modelsGuard.RLock()
	defer dc.modelsGuard.RUnlock()
	for key, names := range dc.models[root].instanceNames {
		for _, n := range names {
			if n == name {
				return key.ProcessID
			}
		}
	}
	t.Fatalf("instance %s is not tracked", name)
	return 0
}

func TestBatchLoadDispatchesByKind(t *testing.T) {
	env := newTestEnv(t)

	rsp := env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 1,
		Models: []models.LoadModelRequest{
			submodel(models.ExecutorUDF, "u", 0, "u-0"),
			submodel(models.ExecutorBuiltin, "b", 1, "b-0"),
		},
	})
	require.True(t, rsp.Code.IsSuccess(), rsp.Message)
	require.Equal(t, []string{"load"}, env.udf.getCalls())
	require.Equal(t, []string{"load"}, env.builtin.getCalls())
	require.Equal(t, []uint32{1}, env.dc.RootModels())

	rsp = env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 2,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorProxy, "p", 0)},
	})
	require.Equal(t, models.Failed, rsp.Code)
	require.Contains(t, rsp.Message, "no executor for kind")
	require.Equal(t, []uint32{1}, env.dc.RootModels())
}

func TestPartialLoadStaysTrackedForUnload(t *testing.T) {
	env := newTestEnv(t)
	env.udf.failLoad["u2"] = errors.New("spawn failed")

	rsp := env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 3,
		Models: []models.LoadModelRequest{
			submodel(models.ExecutorUDF, "u1", 0, "u1-0"),
			submodel(models.ExecutorUDF, "u2", 0, "u2-0"),
			submodel(models.ExecutorUDF, "u3", 0, "u3-0"),
		},
	})
	require.Equal(t, models.Failed, rsp.Code)
	require.Contains(t, rsp.Message, "spawn failed")
	require.Len(t, env.dc.models[3].keys, 2)

	rsp = env.dc.UnloadModel(env.ctx, models.UnloadModelRequest{ModelID: 3})
	require.True(t, rsp.Code.IsSuccess())
	require.Equal(t, []string{"load", "unload"}, env.udf.getCalls())
	require.Empty(t, env.dc.RootModels())
}

func TestHeartbeatReportsSnapshotAndEmitsEdgesOnce(t *testing.T) {
	env := newTestEnv(t)
	rsp := env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 5,
		Models: []models.LoadModelRequest{
			submodel(models.ExecutorUDF, "a", 0, "a-0", "a-1"),
			submodel(models.ExecutorUDF, "b", 0, "b-0"),
		},
	})
	require.True(t, rsp.Code.IsSuccess())

	hb := env.dc.Heartbeat(env.ctx)
	require.Equal(t, models.Success, hb.Code)
	require.Empty(t, hb.AbnormalSubmodelInstanceName)

	env.udf.exit(loadedPid(t, env.dc, 5, "a-0"))
	hb = env.dc.Heartbeat(env.ctx)
	require.Equal(t, models.Failed, hb.Code)
	require.Equal(t, map[uint32]map[string]bool{5: {"a-0": true, "a-1": true}}, hb.AbnormalSubmodelInstanceName)
	require.Len(t, env.events, 2)
	event := <-env.events
	require.Equal(t, models.AbnormalInstanceDetected, event.Type)
	require.Equal(t, models.NodeID("node-1"), event.NodeID)
	require.Equal(t, uint32(5), event.RootModelID)
	<-env.events

	// still a snapshot, but no new edges
	hb = env.dc.Heartbeat(env.ctx)
	require.Equal(t, map[uint32]map[string]bool{5: {"a-0": true, "a-1": true}}, hb.AbnormalSubmodelInstanceName)
	require.Empty(t, env.events)

	// the snapshot is a copy
	hb.AbnormalSubmodelInstanceName[5]["bogus"] = true
	require.Len(t, env.dc.AbnormalSnapshot()[5], 2)

	rsp = env.dc.AckRedeploy(env.ctx, models.AckRedeployRequest{RootModelID: 5})
	require.True(t, rsp.Code.IsSuccess())
	require.Empty(t, env.dc.AbnormalSnapshot())
}

func TestAckAllAndUnloadForgetAbnormal(t *testing.T) {
	env := newTestEnv(t)
	for _, root := range []uint32{1, 2} {
		env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
			RootModelID: root,
			Models:      []models.LoadModelRequest{submodel(models.ExecutorBuiltin, "b", 0, "b")},
		})
	}
	env.builtin.exit(loadedPid(t, env.dc, 1, "b"))
	env.builtin.exit(loadedPid(t, env.dc, 2, "b"))
	require.Len(t, env.dc.Heartbeat(env.ctx).AbnormalSubmodelInstanceName, 2)

	env.dc.UnloadModel(env.ctx, models.UnloadModelRequest{ModelID: 1})
	require.Len(t, env.dc.AbnormalSnapshot(), 1)

	env.dc.AckRedeploy(env.ctx, models.AckRedeployRequest{})
	require.Empty(t, env.dc.AbnormalSnapshot())
}

func TestControlMessagesReachModelHandles(t *testing.T) {
	env := newTestEnv(t)
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 9,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorUDF, "u", 0, "u")},
	})

	require.True(t, env.dc.ClearModel(env.ctx, models.ClearModelRequest{ModelID: 9, ClearType: models.ClearClean}).Code.IsSuccess())
	require.True(t, env.dc.UpdateProf(env.ctx, models.UpdateProfRequest{ModelID: 9, IsStart: true}).Code.IsSuccess())
	require.True(t, env.dc.ExceptionNotify(env.ctx, models.ExceptionNotifyRequest{RootModelID: 9, TransID: 4}).Code.IsSuccess())
	require.True(t, env.dc.SyncVarManager(env.ctx, models.SyncVarManagerRequest{DeviceID: 0}).Code.IsSuccess())

	require.Equal(t, []string{"load", "clear", "prof", "notify", "sync"}, env.udf.getCalls())
	require.Equal(t, []string{"sync"}, env.builtin.getCalls())

	rsp := env.dc.ClearModel(env.ctx, models.ClearModelRequest{ModelID: 77})
	require.Equal(t, models.Failed, rsp.Code)
	require.Contains(t, rsp.Message, "not loaded")
}

func TestWorkerResultCodeIsPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 9,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorUDF, "u", 0, "u")},
	})
	env.udf.opErr = &queue.ResultError{Type: models.ControlClear, Code: 507011, Message: "queue full"}

	rsp := env.dc.ClearModel(env.ctx, models.ClearModelRequest{ModelID: 9})
	require.Equal(t, models.ResultCode(507011), rsp.Code)
	require.Contains(t, rsp.Message, "queue full")
}

func TestPeerDeathClearsWithItsDevices(t *testing.T) {
	env := newTestEnv(t)
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 4,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorUDF, "u", 0, "u")},
	})

	env.dc.HandlePeerEvent(env.ctx, models.MemberShipEvent{Type: models.MemberShipSuspect, From: "node-2", DeviceIDs: []int32{5}})
	env.dc.HandlePeerEvent(env.ctx, models.MemberShipEvent{Type: models.MemberShipDead, From: "node-2"})
	require.Empty(t, env.udf.clears)

	env.dc.HandlePeerEvent(env.ctx, models.MemberShipEvent{Type: models.MemberShipDead, From: "node-2", DeviceIDs: []int32{5, 6}})
	require.Equal(t, []models.ClearModelRequest{{
		ModelID:          4,
		ClearType:        models.ClearStop,
		RelatedDeviceIDs: []int32{5, 6},
	}}, env.udf.clears)
}

func queueCandidate(index, priority int32, endpoint int) models.DynamicGroupRouteInfo {
	return models.DynamicGroupRouteInfo{
		Priority: priority,
		Index:    index,
		IsNormal: true,
		Target: models.TargetInstance{
			InstanceName:  "inst",
			EndpointIndex: endpoint,
			Queue:         models.QueueAttrs{QueueID: uint32(endpoint)},
		},
	}
}

func TestExceptionRoutesUpdateRouter(t *testing.T) {
	env := newTestEnv(t)
	model := submodel(models.ExecutorUDF, "u", 0, "u")
	model.DstGroups = []models.DstGroupInfo{{
		OwnerEndpointIndex: 0,
		Policy:             models.GroupPolicyDynamic,
		Routes: []models.DynamicGroupRouteInfo{
			queueCandidate(1, 0, 1),
			queueCandidate(2, 0, 2),
		},
	}}
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{RootModelID: 6, Models: []models.LoadModelRequest{model}})

	got, err := env.dc.Schedule(6, models.ScheduleRequest{TransID: 1, GroupIndex: 0})
	require.NoError(t, err)
	require.Equal(t, int32(2), got.Route.Index)

	endpoints := []models.Endpoint{
		{Name: "group", Type: models.EndpointGroup},
		{Name: "q1", Type: models.EndpointQueue},
		{Name: "q2", Type: models.EndpointQueue, Deleted: true},
	}
	rsp := env.dc.UpdateExceptionRoutes(env.ctx, models.UpdateExceptionRoutesRequest{
		RootModelID: 6,
		Endpoints:   endpoints,
		Routes:      []models.Route{{Src: 0, Dst: 2}},
	})
	require.True(t, rsp.Code.IsSuccess())
	require.Equal(t, []string{"exception-routes"}, env.gw.calls)

	// the pinned transaction moved off the deleted endpoint
	got, err = env.dc.Schedule(6, models.ScheduleRequest{TransID: 1, GroupIndex: 0})
	require.NoError(t, err)
	require.Equal(t, int32(1), got.Route.Index)

	_, err = env.dc.Schedule(99, models.ScheduleRequest{TransID: 1})
	require.Error(t, err)
}

func TestBindAndUnbindGoThroughGateway(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.dc.BindQueues(env.ctx, models.BindQueuesRequest{}).Code.IsSuccess())
	require.True(t, env.dc.UnbindQueues(env.ctx, models.BindQueuesRequest{}).Code.IsSuccess())
	env.gw.err = errors.New("gateway down")
	require.Equal(t, models.Failed, env.dc.BindQueues(env.ctx, models.BindQueuesRequest{}).Code)
	require.Equal(t, []string{"bind", "unbind", "bind"}, env.gw.calls)
}

func TestRunHeartbeatPublishesUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.dc.cfg.HeartbeatInterval = 10 * time.Millisecond
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 8,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorUDF, "u", 0, "u-0")},
	})
	env.udf.exit(loadedPid(t, env.dc, 8, "u-0"))

	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan error, 1)
	go func() {
		done <- env.dc.RunHeartbeat(ctx)
	}()

	select {
	case event := <-env.events:
		require.Equal(t, "u-0", event.InstanceName)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat loop did not publish")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestInitializeAndFinalize(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.dc.Initialize(env.ctx))
	env.dc.BatchLoadModel(env.ctx, models.BatchLoadModelRequest{
		RootModelID: 1,
		Models:      []models.LoadModelRequest{submodel(models.ExecutorBuiltin, "b", 0, "b")},
	})
	require.NoError(t, env.dc.Finalize(env.ctx))
	require.Equal(t, []string{"init", "load", "unload", "finalize"}, env.builtin.getCalls())
	require.Equal(t, []string{"init", "finalize"}, env.udf.getCalls())
	require.Empty(t, env.dc.RootModels())
}
