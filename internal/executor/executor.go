package executor

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/Sh00ty/flowdeploy/internal/gateway"
	"github.com/Sh00ty/flowdeploy/internal/memgroup"
	"github.com/Sh00ty/flowdeploy/internal/metrics"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

const (
	DefaultForkLimit      = 12
	DefaultBroadcastLimit = 32
)

// Handle owns the worker side of submodel instances on this node.
type Handle interface {
	Kind() models.ExecutorKind
	Initialize(ctx context.Context) error
	LoadModel(ctx context.Context, req models.BatchLoadModelRequest) ([]models.LoadedInstance, error)
	UnloadModel(ctx context.Context, rootModelID uint32) error
	ClearModelRunningData(ctx context.Context, req models.ClearModelRequest) error
	DataFlowExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) error
	UpdateProf(ctx context.Context, req models.UpdateProfRequest) error
	SyncVarManager(ctx context.Context, req models.SyncVarManagerRequest) error
	GetSubProcStat(key models.ExecutorKey) models.ProcStatus
	Finalize(ctx context.Context) error
}

type Supervisor interface {
	Spawn(cfg supervisor.SpawnConfig) (supervisor.ProcessHandle, error)
	Shutdown(pid int, timeout time.Duration) error
	RegisterExceptionCallback(pid int, fn func(models.ProcStatus)) error
	UnregisterExceptionCallback(pid int)
}

// AicpuLocator finds the process that owns device I/O for a worker started
// with need_start_aicpu.
type AicpuLocator interface {
	LocateAicpu(ctx context.Context, deviceID int32, workerPid int) (int, error)
}

// SelfLocator is used on hosts without a separate I/O process.
type SelfLocator struct{}

func (SelfLocator) LocateAicpu(_ context.Context, _ int32, workerPid int) (int, error) {
	return workerPid, nil
}

type Config struct {
	NodeID      models.NodeID
	DeviceType  models.DeviceType
	BinPath     string
	BaseDir     string
	LibraryPath string
	UnsetEnv    []string

	ForkLimit      int
	BroadcastLimit int

	LoadTimeout      time.Duration
	BatchLoadTimeout time.Duration
	UnloadTimeout    time.Duration
	ResponseTimeout  time.Duration
	ShutdownTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ForkLimit <= 0 {
		c.ForkLimit = DefaultForkLimit
	}
	if c.BroadcastLimit <= 0 {
		c.BroadcastLimit = DefaultBroadcastLimit
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 60 * time.Second
	}
	if c.BatchLoadTimeout <= 0 {
		c.BatchLoadTimeout = 8400 * time.Second
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = 300 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 20 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Deps are the node services shared by every handle.
type Deps struct {
	Supervisor Supervisor
	Queues     queue.Factory
	Groups     memgroup.Registry
	Granter    gateway.Granter
	Metrics    metrics.Metrics
}

func (d Deps) metrics() metrics.Metrics {
	if d.Metrics == nil {
		return metrics.Noop{}
	}
	return d.Metrics
}

// workerSpawnConfig builds the bootstrap contract of a worker process.
func workerSpawnConfig(
	cfg Config,
	kind models.ProcessType,
	processName string,
	groupName string,
	pair queue.Pair,
	deviceID int32,
	phyDeviceID int32,
) supervisor.SpawnConfig {
	device := strconv.Itoa(int(deviceID))
	reqID := strconv.FormatUint(uint64(pair.Req.ID()), 10)
	rspID := strconv.FormatUint(uint64(pair.Rsp.ID()), 10)
	return supervisor.SpawnConfig{
		ProcessType: kind,
		BinPath:     cfg.BinPath,
		DeathSignal: syscall.SIGKILL,
		LibraryPath: cfg.LibraryPath,
		UnsetEnv:    cfg.UnsetEnv,
		Args:        []string{processName, groupName, reqID, rspID, device},
		KVArgs: map[string]string{
			"base_dir":      cfg.BaseDir,
			"device_id":     device,
			"phy_device_id": strconv.Itoa(int(phyDeviceID)),
			"req_queue_id":  reqID,
			"rsp_queue_id":  rspID,
		},
	}
}

// grantLocalQueues grants pid access to every queue endpoint of the model that
// lives on this node's device type.
func grantLocalQueues(ctx context.Context, granter gateway.Granter, deviceType models.DeviceType, pid int, endpoints []models.Endpoint) error {
	for _, ep := range endpoints {
		if !ep.IsQueue() || ep.Queue == nil || ep.Queue.DeviceType != deviceType {
			continue
		}
		if err := granter.GrantQueue(ctx, pid, *ep.Queue); err != nil {
			return &gateway.GrantError{Pid: pid, Queue: *ep.Queue, Err: err}
		}
	}
	return nil
}

func processName(kind models.ExecutorKind, model models.LoadModelRequest) string {
	return fmt.Sprintf("%s_%d_%d", kind, model.RootModelID, model.ModelID)
}
