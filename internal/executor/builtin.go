package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

var ErrNotInitialized = errors.New("executor is not initialized")

// Builtin is a single long-lived worker bound to one device for the node's lifetime.
type Builtin struct {
	cfg      Config
	deps     Deps
	deviceID int32

	handle supervisor.ProcessHandle
	client *queue.Client
	status atomic.Int32

	modelsGuard *sync.Mutex
	loaded      map[uint32][]string

	log zerolog.Logger
}

func NewBuiltin(cfg Config, deps Deps, deviceID int32) *Builtin {
	b := &Builtin{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		deviceID:    deviceID,
		modelsGuard: &sync.Mutex{},
		loaded:      make(map[uint32][]string),
		log:         log.With().Str("component", "builtin-executor").Int32("device_id", deviceID).Logger(),
	}
	b.status.Store(int32(models.ProcInvalid))
	return b
}

func (b *Builtin) Kind() models.ExecutorKind {
	return models.ExecutorBuiltin
}

// Initialize spawns the worker, makes it a member of the device memory group
// and waits until it answers the init handshake.
func (b *Builtin) Initialize(ctx context.Context) error {
	name := fmt.Sprintf("%s_%d", models.ExecutorBuiltin, b.deviceID)
	groupName, err := b.deps.Groups.GroupName(b.deviceID)
	if err != nil {
		return err
	}
	pair, err := b.deps.Queues.CreatePair(name, b.deviceID)
	if err != nil {
		return fmt.Errorf("failed to create control queues: %w", err)
	}
	handle, err := b.deps.Supervisor.Spawn(workerSpawnConfig(b.cfg, models.ProcessTypeBuiltin, name, groupName, pair, b.deviceID, b.deviceID))
	if err != nil {
		pair.Close()
		return err
	}
	b.handle = handle
	b.client = queue.NewClient(name, pair)
	b.status.Store(int32(models.ProcNormal))
	if err := b.deps.Supervisor.RegisterExceptionCallback(handle.Pid(), b.onStatusChanged); err != nil {
		return fmt.Errorf("pid %d: %w", handle.Pid(), err)
	}
	if err := b.deps.Groups.AddProcess(groupName, handle.Pid()); err != nil {
		return fmt.Errorf("failed to add pid %d to memory group %s: %w", handle.Pid(), groupName, err)
	}

	err = retry.Do(
		func() error {
			_, err := b.client.Call(ctx, models.ControlInit, nil, b.cfg.LoadTimeout)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, queue.ErrTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			b.log.Warn().Err(err).Msgf("worker is not ready yet, attempt %d", n+1)
		}),
	)
	if err != nil {
		return fmt.Errorf("builtin worker pid %d is not ready: %w", handle.Pid(), err)
	}
	b.log.Info().Msgf("builtin worker ready with pid %d", handle.Pid())
	return nil
}

func (b *Builtin) onStatusChanged(status models.ProcStatus) {
	b.status.Store(int32(status))
	if status == models.ProcExited {
		b.deps.metrics().Increment("builtin.abnormal_exit")
		b.log.Error().Msgf("builtin worker pid %d exited", b.handle.Pid())
		b.client.Wake()
		return
	}
	b.log.Warn().Msgf("builtin worker pid %d is %s", b.handle.Pid(), status)
}

func (b *Builtin) LoadModel(ctx context.Context, req models.BatchLoadModelRequest) ([]models.LoadedInstance, error) {
	if b.client == nil {
		return nil, ErrNotInitialized
	}
	names := make([]string, 0, len(req.Models))
	for _, model := range req.Models {
		if err := grantLocalQueues(ctx, b.deps.Granter, b.cfg.DeviceType, b.handle.Pid(), model.Endpoints); err != nil {
			return nil, err
		}
		names = append(names, model.InstanceNames...)
	}
	timeout := b.cfg.LoadTimeout
	if len(req.Models) > 1 {
		timeout = b.cfg.BatchLoadTimeout
	}
	if _, err := b.client.Call(ctx, models.ControlLoad, req, timeout); err != nil {
		return nil, err
	}

	b.modelsGuard.Lock()
	b.loaded[req.RootModelID] = append(b.loaded[req.RootModelID], names...)
	b.modelsGuard.Unlock()

	return []models.LoadedInstance{{
		Key: models.ExecutorKey{
			RootModelID: req.RootModelID,
			DeviceType:  b.cfg.DeviceType,
			DeviceID:    b.deviceID,
			ProcessID:   b.handle.Pid(),
		},
		InstanceNames: slices.Clone(names),
	}}, nil
}

func (b *Builtin) UnloadModel(ctx context.Context, rootModelID uint32) error {
	b.modelsGuard.Lock()
	_, ok := b.loaded[rootModelID]
	delete(b.loaded, rootModelID)
	b.modelsGuard.Unlock()
	if !ok {
		return nil
	}
	_, err := b.call(ctx, models.ControlUnload, models.UnloadModelRequest{ModelID: rootModelID}, b.cfg.UnloadTimeout)
	return err
}

func (b *Builtin) ClearModelRunningData(ctx context.Context, req models.ClearModelRequest) error {
	_, err := b.call(ctx, models.ControlClear, req, b.cfg.UnloadTimeout)
	return err
}

func (b *Builtin) DataFlowExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) error {
	_, err := b.call(ctx, models.ControlNotify, req, b.cfg.LoadTimeout)
	return err
}

func (b *Builtin) UpdateProf(ctx context.Context, req models.UpdateProfRequest) error {
	_, err := b.call(ctx, models.ControlProf, req, b.cfg.LoadTimeout)
	return err
}

func (b *Builtin) SyncVarManager(ctx context.Context, req models.SyncVarManagerRequest) error {
	_, err := b.call(ctx, models.ControlSyncVar, req, b.cfg.LoadTimeout)
	return err
}

func (b *Builtin) GetSubProcStat(key models.ExecutorKey) models.ProcStatus {
	if b.client == nil || key.ProcessID != b.handle.Pid() {
		return models.ProcInvalid
	}
	return models.ProcStatus(b.status.Load())
}

// Finalize wakes a pending request before the worker is shut down.
func (b *Builtin) Finalize(context.Context) error {
	if b.client == nil {
		return nil
	}
	b.client.Close()
	b.deps.Supervisor.UnregisterExceptionCallback(b.handle.Pid())
	if err := b.deps.Supervisor.Shutdown(b.handle.Pid(), b.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("failed to shutdown builtin pid %d: %w", b.handle.Pid(), err)
	}
	b.status.Store(int32(models.ProcExited))
	return nil
}

func (b *Builtin) call(ctx context.Context, typ models.ControlType, payload any, timeout time.Duration) (models.ControlReply, error) {
	if b.client == nil {
		return models.ControlReply{}, ErrNotInitialized
	}
	if models.ProcStatus(b.status.Load()) == models.ProcExited {
		return models.ControlReply{}, fmt.Errorf("builtin worker pid %d exited", b.handle.Pid())
	}
	return b.client.Call(ctx, typ, payload, timeout)
}
