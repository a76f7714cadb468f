package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

func keyOf(t *testing.T, loaded []models.LoadedInstance, name string) models.ExecutorKey {
	t.Helper()
	for _, inst := range loaded {
		for _, n := range inst.InstanceNames {
			if n == name {
				return inst.Key
			}
		}
	}
	t.Fatalf("instance %s was not loaded", name)
	return models.ExecutorKey{}
}

func TestUDFBatchLoadKeepsSiblingsOfFailedSpawn(t *testing.T) {
	env := newTestEnv(t)
	env.sup.failFor["udf_7_2"] = true
	udf := NewUDF(env.cfg, env.deps, nil)

	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{
		RootModelID: 7,
		Models: []models.LoadModelRequest{
			udfModel(7, 1, 0, "a"),
			udfModel(7, 2, 0, "b"),
			udfModel(7, 3, 1, "c"),
		},
	})
	require.Error(t, err)
	var spawnErr *supervisor.SpawnError
	require.True(t, errors.As(err, &spawnErr))

	require.Len(t, loaded, 2)
	first, third := keyOf(t, loaded, "a"), keyOf(t, loaded, "c")
	require.ElementsMatch(t, []int{first.ProcessID, third.ProcessID}, udf.Pids(7))
	assert.Equal(t, []models.ControlType{models.ControlLoad}, env.sup.messages(first.ProcessID))
	assert.Equal(t, []models.ControlType{models.ControlLoad}, env.sup.messages(third.ProcessID))
	assert.Empty(t, env.sup.shutdowns())
	assert.Equal(t, models.ProcNormal, udf.GetSubProcStat(first))
}

func TestUDFBootstrapContract(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, nil)

	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{
		RootModelID: 3,
		Models:      []models.LoadModelRequest{udfModel(3, 1, 1, "x")},
	})
	require.NoError(t, err)
	pid := loaded[0].Key.ProcessID

	cfg := env.sup.spawned[pid]
	require.Len(t, cfg.Args, 5)
	assert.Equal(t, "udf_3_1", cfg.Args[0])
	assert.Equal(t, "test_dev1", cfg.Args[1])
	assert.Equal(t, cfg.Args[2], cfg.KVArgs["req_queue_id"])
	assert.Equal(t, cfg.Args[3], cfg.KVArgs["rsp_queue_id"])
	assert.Equal(t, "1", cfg.Args[4])
	assert.Equal(t, "/opt", cfg.KVArgs["base_dir"])
	assert.Equal(t, "1", cfg.KVArgs["device_id"])
	assert.Contains(t, cfg.KVArgs, "phy_device_id")
	assert.Equal(t, "/opt/lib64", cfg.LibraryPath)
	assert.Equal(t, []int{pid}, env.groups.Members("test_dev1"))
}

func TestUDFAicpuTakesGrantAndGroup(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, fakeLocator{offset: 500})

	model := udfModel(4, 1, 0, "io")
	model.NeedStartAicpu = true
	q := models.QueueAttrs{DeviceID: 0, DeviceType: models.DeviceTypeCPU, QueueID: 12}
	model.Endpoints = []models.Endpoint{
		{Name: "in", Type: models.EndpointQueue, Queue: &q},
		{Name: "remote", Type: models.EndpointQueue, Queue: &models.QueueAttrs{DeviceType: models.DeviceTypeNPU, QueueID: 13}},
	}
	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{RootModelID: 4, Models: []models.LoadModelRequest{model}})
	require.NoError(t, err)
	pid := loaded[0].Key.ProcessID

	assert.True(t, env.granter.Granted(pid+500, q))
	assert.False(t, env.granter.Granted(pid, q))
	assert.Equal(t, []int{pid + 500}, env.groups.Members("test_dev0"))
}

func TestUDFClearInvalidatesDependentInstances(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, nil)

	a := udfModel(9, 1, 0, "A")
	a.DependentDeviceIDs = []int32{5}
	b := udfModel(9, 2, 0, "B")
	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{RootModelID: 9, Models: []models.LoadModelRequest{a, b}})
	require.NoError(t, err)
	keyA, keyB := keyOf(t, loaded, "A"), keyOf(t, loaded, "B")

	err = udf.ClearModelRunningData(context.Background(), models.ClearModelRequest{
		ModelID:          9,
		ClearType:        models.ClearStop,
		RelatedDeviceIDs: []int32{5},
	})
	require.NoError(t, err)

	require.Equal(t, []int{keyB.ProcessID}, udf.Pids(9))
	require.Equal(t, []int{keyA.ProcessID}, env.sup.shutdowns())
	assert.Equal(t, models.ProcExited, udf.GetSubProcStat(keyA))
	assert.Equal(t, models.ProcNormal, udf.GetSubProcStat(keyB))
	assert.Equal(t, []models.ControlType{models.ControlLoad, models.ControlClear}, env.sup.messages(keyB.ProcessID))
	assert.Equal(t, []models.ControlType{models.ControlLoad}, env.sup.messages(keyA.ProcessID))
}

func TestUDFClearReportsFailedInstancesAndContinues(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, nil)

	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{
		RootModelID: 2,
		Models:      []models.LoadModelRequest{udfModel(2, 1, 0, "p"), udfModel(2, 2, 0, "q")},
	})
	require.NoError(t, err)
	bad, good := keyOf(t, loaded, "p"), keyOf(t, loaded, "q")
	env.sup.mu.Lock()
	env.sup.replyCode[bad.ProcessID] = models.Failed
	env.sup.mu.Unlock()

	err = udf.ClearModelRunningData(context.Background(), models.ClearModelRequest{ModelID: 2, ClearType: models.ClearClean})
	require.ErrorContains(t, err, "1 of 2")
	assert.Contains(t, env.sup.messages(good.ProcessID), models.ControlClear)
}

func TestUDFExitIsRememberedUntilUnload(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, nil)

	loaded, err := udf.LoadModel(context.Background(), models.BatchLoadModelRequest{
		RootModelID: 5,
		Models:      []models.LoadModelRequest{udfModel(5, 1, 0, "e"), udfModel(5, 2, 0, "f")},
	})
	require.NoError(t, err)
	dead, alive := keyOf(t, loaded, "e"), keyOf(t, loaded, "f")

	env.sup.deliver(dead.ProcessID, models.ProcStopped)
	require.Equal(t, models.ProcStopped, udf.GetSubProcStat(dead))
	env.sup.deliver(dead.ProcessID, models.ProcExited)
	require.Equal(t, models.ProcExited, udf.GetSubProcStat(dead))
	require.Equal(t, []int{alive.ProcessID}, udf.Pids(5))

	require.NoError(t, udf.UnloadModel(context.Background(), 5))
	require.Empty(t, udf.Pids(5))
	require.Equal(t, []int{alive.ProcessID}, env.sup.shutdowns())
	require.Contains(t, env.sup.messages(alive.ProcessID), models.ControlUnload)
	require.Equal(t, models.ProcInvalid, udf.GetSubProcStat(dead))
	require.Equal(t, models.ProcInvalid, udf.GetSubProcStat(alive))
}

func TestUDFSyncVarManagerIsNoop(t *testing.T) {
	env := newTestEnv(t)
	udf := NewUDF(env.cfg, env.deps, nil)
	require.NoError(t, udf.SyncVarManager(context.Background(), models.SyncVarManagerRequest{DeviceID: 0}))
}
