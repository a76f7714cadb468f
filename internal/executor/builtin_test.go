package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

func TestBuiltinLifecycle(t *testing.T) {
	env := newTestEnv(t)
	b := NewBuiltin(env.cfg, env.deps, 1)

	_, err := b.LoadModel(context.Background(), models.BatchLoadModelRequest{RootModelID: 1})
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, b.Initialize(context.Background()))
	pid := b.handle.Pid()
	require.Equal(t, []int{pid}, env.groups.Members("test_dev1"))
	require.Equal(t, []models.ControlType{models.ControlInit}, env.sup.messages(pid))

	q := models.QueueAttrs{DeviceID: 1, DeviceType: models.DeviceTypeCPU, QueueID: 4}
	loaded, err := b.LoadModel(context.Background(), models.BatchLoadModelRequest{
		RootModelID: 11,
		Models: []models.LoadModelRequest{{
			RootModelID:   11,
			InstanceNames: []string{"enc", "dec"},
			Endpoints:     []models.Endpoint{{Name: "in", Type: models.EndpointQueue, Queue: &q}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, []string{"enc", "dec"}, loaded[0].InstanceNames)
	require.True(t, env.granter.Granted(pid, q))
	require.Equal(t, models.ProcNormal, b.GetSubProcStat(loaded[0].Key))

	require.NoError(t, b.SyncVarManager(context.Background(), models.SyncVarManagerRequest{DeviceID: 1}))
	require.NoError(t, b.UnloadModel(context.Background(), 11))
	require.NoError(t, b.UnloadModel(context.Background(), 11))
	require.Equal(t, []models.ControlType{
		models.ControlInit, models.ControlLoad, models.ControlSyncVar, models.ControlUnload,
	}, env.sup.messages(pid))

	env.sup.deliver(pid, models.ProcExited)
	require.Equal(t, models.ProcExited, b.GetSubProcStat(loaded[0].Key))
	require.Error(t, b.ClearModelRunningData(context.Background(), models.ClearModelRequest{ModelID: 11}))

	require.NoError(t, b.Finalize(context.Background()))
	require.Equal(t, []int{pid}, env.sup.shutdowns())
}
