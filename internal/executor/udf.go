package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
)

// UDF runs one worker process per loaded model instance.
type UDF struct {
	cfg     Config
	deps    Deps
	locator AicpuLocator

	modelGuard     *sync.Mutex
	modelIDToPids  map[uint32][]int
	keyGuard       *sync.RWMutex
	pidToKey       map[int]models.ExecutorKey
	namesGuard     *sync.Mutex
	pidToNames     map[int][]string
	clientGuard    *sync.Mutex
	pidToClient    map[int]*queue.Client
	depsGuard      *sync.Mutex
	pidToDevices   map[int][]int32
	statusGuard    *sync.RWMutex
	pidToStatus    map[int]models.ProcStatus
	exitedGuard    *sync.Mutex
	exitedPidModel map[int]uint32

	log zerolog.Logger
}

func NewUDF(cfg Config, deps Deps, locator AicpuLocator) *UDF {
	if locator == nil {
		locator = SelfLocator{}
	}
	return &UDF{
		cfg:            cfg.withDefaults(),
		deps:           deps,
		locator:        locator,
		modelGuard:     &sync.Mutex{},
		modelIDToPids:  make(map[uint32][]int),
		keyGuard:       &sync.RWMutex{},
		pidToKey:       make(map[int]models.ExecutorKey),
		namesGuard:     &sync.Mutex{},
		pidToNames:     make(map[int][]string),
		clientGuard:    &sync.Mutex{},
		pidToClient:    make(map[int]*queue.Client),
		depsGuard:      &sync.Mutex{},
		pidToDevices:   make(map[int][]int32),
		statusGuard:    &sync.RWMutex{},
		pidToStatus:    make(map[int]models.ProcStatus),
		exitedGuard:    &sync.Mutex{},
		exitedPidModel: make(map[int]uint32),
		log:            log.With().Str("component", "udf-executor").Logger(),
	}
}

func (u *UDF) Kind() models.ExecutorKind {
	return models.ExecutorUDF
}

func (u *UDF) Initialize(context.Context) error {
	return nil
}

// LoadModel starts every instance of the batch, at most ForkLimit at a time.
// All spawns run to completion; processes started for successful instances
// keep running when others fail.
func (u *UDF) LoadModel(ctx context.Context, req models.BatchLoadModelRequest) ([]models.LoadedInstance, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		loaded = make([]models.LoadedInstance, 0, len(req.Models))
		errs   error
	)
	g.SetLimit(u.cfg.ForkLimit)
	for i, model := range req.Models {
		if model.RootModelID == 0 {
			model.RootModelID = req.RootModelID
		}
		g.Go(func() error {
			inst, err := u.loadInstance(ctx, model)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				u.deps.metrics().Increment("udf.load_failed")
				errs = multierr.Append(errs, fmt.Errorf("instance %d (%s): %w", i, model.ModelName, err))
				return nil
			}
			loaded = append(loaded, inst)
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		u.log.Error().Err(errs).Msgf("root model %d: %d of %d instances failed to load", req.RootModelID, len(multierr.Errors(errs)), len(req.Models))
		return loaded, errs
	}
	u.log.Info().Msgf("root model %d: loaded %d udf instances", req.RootModelID, len(loaded))
	return loaded, nil
}

func (u *UDF) loadInstance(ctx context.Context, model models.LoadModelRequest) (models.LoadedInstance, error) {
	name := processName(models.ExecutorUDF, model)
	groupName, err := u.deps.Groups.GroupName(model.DeviceID)
	if err != nil {
		return models.LoadedInstance{}, err
	}
	pair, err := u.deps.Queues.CreatePair(name, model.DeviceID)
	if err != nil {
		return models.LoadedInstance{}, fmt.Errorf("failed to create control queues: %w", err)
	}
	handle, err := u.deps.Supervisor.Spawn(workerSpawnConfig(u.cfg, models.ProcessTypeUDF, name, groupName, pair, model.DeviceID, model.PhyDeviceID))
	if err != nil {
		pair.Close()
		return models.LoadedInstance{}, err
	}
	pid := handle.Pid()
	key := models.ExecutorKey{
		RootModelID: model.RootModelID,
		DeviceType:  model.DeviceType,
		DeviceID:    model.DeviceID,
		ProcessID:   pid,
	}
	client := queue.NewClient(name, pair)
	u.register(key, model, client)
	if err := u.deps.Supervisor.RegisterExceptionCallback(pid, u.onStatusChanged(pid)); err != nil {
		return models.LoadedInstance{}, fmt.Errorf("pid %d: %w", pid, err)
	}

	ioPid := pid
	if model.NeedStartAicpu {
		ioPid, err = u.locator.LocateAicpu(ctx, model.DeviceID, pid)
		if err != nil {
			return models.LoadedInstance{}, fmt.Errorf("failed to locate aicpu process of pid %d: %w", pid, err)
		}
		u.log.Info().Msgf("pid %d hands device io to aicpu pid %d", pid, ioPid)
	}
	if err := grantLocalQueues(ctx, u.deps.Granter, u.cfg.DeviceType, ioPid, model.Endpoints); err != nil {
		return models.LoadedInstance{}, err
	}
	if err := u.deps.Groups.AddProcess(groupName, ioPid); err != nil {
		return models.LoadedInstance{}, fmt.Errorf("failed to add pid %d to memory group %s: %w", ioPid, groupName, err)
	}
	if _, err := client.Call(ctx, models.ControlLoad, model, u.cfg.ResponseTimeout); err != nil {
		return models.LoadedInstance{}, err
	}
	return models.LoadedInstance{Key: key, InstanceNames: slices.Clone(model.InstanceNames)}, nil
}

func (u *UDF) register(key models.ExecutorKey, model models.LoadModelRequest, client *queue.Client) {
	pid := key.ProcessID

	u.modelGuard.Lock()
	u.modelIDToPids[key.RootModelID] = append(u.modelIDToPids[key.RootModelID], pid)
	u.modelGuard.Unlock()

	u.keyGuard.Lock()
	u.pidToKey[pid] = key
	u.keyGuard.Unlock()

	u.namesGuard.Lock()
	u.pidToNames[pid] = slices.Clone(model.InstanceNames)
	u.namesGuard.Unlock()

	u.clientGuard.Lock()
	u.pidToClient[pid] = client
	u.clientGuard.Unlock()

	u.depsGuard.Lock()
	u.pidToDevices[pid] = slices.Clone(model.DependentDeviceIDs)
	u.depsGuard.Unlock()

	u.statusGuard.Lock()
	u.pidToStatus[pid] = models.ProcNormal
	u.statusGuard.Unlock()
}

func (u *UDF) onStatusChanged(pid int) func(models.ProcStatus) {
	return func(status models.ProcStatus) {
		if status != models.ProcExited {
			u.statusGuard.Lock()
			if _, ok := u.pidToStatus[pid]; ok {
				u.pidToStatus[pid] = status
			}
			u.statusGuard.Unlock()
			u.log.Warn().Msgf("udf pid %d is %s", pid, status)
			return
		}
		u.deps.metrics().Increment("udf.abnormal_exit")
		u.log.Error().Msgf("udf pid %d exited unexpectedly, instances %v", pid, u.instanceNames(pid))
		u.forget(pid, true)
	}
}

func (u *UDF) UnloadModel(ctx context.Context, rootModelID uint32) error {
	pids := u.takePids(rootModelID)
	err := broadcast(ctx, u.log, u.cfg.BroadcastLimit, "unload", pids, func(ctx context.Context, pid int) error {
		client := u.client(pid)
		if client != nil {
			_, err := client.Call(ctx, models.ControlUnload, models.UnloadModelRequest{ModelID: rootModelID}, u.cfg.UnloadTimeout)
			if err != nil {
				u.log.Warn().Err(err).Msgf("pid %d did not confirm unload, terminating anyway", pid)
			}
		}
		return u.destroy(pid, false)
	})

	u.exitedGuard.Lock()
	for pid, root := range u.exitedPidModel {
		if root == rootModelID {
			delete(u.exitedPidModel, pid)
		}
	}
	u.exitedGuard.Unlock()
	return err
}

func (u *UDF) ClearModelRunningData(ctx context.Context, req models.ClearModelRequest) error {
	invalid := u.dependingOn(req.ModelID, req.RelatedDeviceIDs)
	for _, pid := range invalid {
		u.log.Warn().Msgf("pid %d depends on abnormal devices %v, invalidating", pid, req.RelatedDeviceIDs)
		u.deps.metrics().Increment("udf.cascade_invalidated")
		if err := u.destroy(pid, true); err != nil {
			u.log.Error().Err(err).Msgf("failed to terminate invalidated pid %d", pid)
		}
	}
	return u.send(ctx, req.ModelID, models.ControlClear, req, u.cfg.UnloadTimeout)
}

func (u *UDF) DataFlowExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) error {
	return u.send(ctx, req.RootModelID, models.ControlNotify, req, u.cfg.ResponseTimeout)
}

func (u *UDF) UpdateProf(ctx context.Context, req models.UpdateProfRequest) error {
	return u.send(ctx, req.ModelID, models.ControlProf, req, u.cfg.ResponseTimeout)
}

func (u *UDF) SyncVarManager(context.Context, models.SyncVarManagerRequest) error {
	return nil
}

func (u *UDF) GetSubProcStat(key models.ExecutorKey) models.ProcStatus {
	u.statusGuard.RLock()
	status, ok := u.pidToStatus[key.ProcessID]
	u.statusGuard.RUnlock()
	if ok {
		return status
	}
	u.exitedGuard.Lock()
	defer u.exitedGuard.Unlock()
	if _, exited := u.exitedPidModel[key.ProcessID]; exited {
		return models.ProcExited
	}
	return models.ProcInvalid
}

func (u *UDF) Finalize(ctx context.Context) error {
	u.modelGuard.Lock()
	roots := make([]uint32, 0, len(u.modelIDToPids))
	for root := range u.modelIDToPids {
		roots = append(roots, root)
	}
	u.modelGuard.Unlock()

	var errs error
	for _, root := range roots {
		for _, pid := range u.takePids(root) {
			errs = multierr.Append(errs, u.destroy(pid, false))
		}
	}
	return errs
}

// Pids returns the live pids of a root model.
func (u *UDF) Pids(rootModelID uint32) []int {
	u.modelGuard.Lock()
	defer u.modelGuard.Unlock()
	return slices.Clone(u.modelIDToPids[rootModelID])
}

func (u *UDF) send(ctx context.Context, rootModelID uint32, typ models.ControlType, payload any, timeout time.Duration) error {
	return broadcast(ctx, u.log, u.cfg.BroadcastLimit, string(typ), u.Pids(rootModelID), func(ctx context.Context, pid int) error {
		client := u.client(pid)
		if client == nil {
			return fmt.Errorf("pid %d: %w", pid, errNoClient)
		}
		_, err := client.Call(ctx, typ, payload, timeout)
		return err
	})
}

// destroy stops the worker and drops it from every table.
func (u *UDF) destroy(pid int, abnormal bool) error {
	u.deps.Supervisor.UnregisterExceptionCallback(pid)
	u.forget(pid, abnormal)
	if err := u.deps.Supervisor.Shutdown(pid, u.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("failed to shutdown udf pid %d: %w", pid, err)
	}
	return nil
}

func (u *UDF) forget(pid int, abnormal bool) {
	u.keyGuard.Lock()
	key, known := u.pidToKey[pid]
	delete(u.pidToKey, pid)
	u.keyGuard.Unlock()

	u.modelGuard.Lock()
	if known {
		pids := slices.DeleteFunc(u.modelIDToPids[key.RootModelID], func(p int) bool { return p == pid })
		if len(pids) == 0 {
			delete(u.modelIDToPids, key.RootModelID)
		} else {
			u.modelIDToPids[key.RootModelID] = pids
		}
	}
	u.modelGuard.Unlock()

	u.namesGuard.Lock()
	delete(u.pidToNames, pid)
	u.namesGuard.Unlock()

	u.clientGuard.Lock()
	client := u.pidToClient[pid]
	delete(u.pidToClient, pid)
	u.clientGuard.Unlock()
	if client != nil {
		client.Close()
	}

	u.depsGuard.Lock()
	delete(u.pidToDevices, pid)
	u.depsGuard.Unlock()

	u.statusGuard.Lock()
	delete(u.pidToStatus, pid)
	u.statusGuard.Unlock()

	if abnormal && known {
		u.exitedGuard.Lock()
		u.exitedPidModel[pid] = key.RootModelID
		u.exitedGuard.Unlock()
	}
}

func (u *UDF) takePids(rootModelID uint32) []int {
	u.modelGuard.Lock()
	defer u.modelGuard.Unlock()
	pids := u.modelIDToPids[rootModelID]
	delete(u.modelIDToPids, rootModelID)
	return pids
}

func (u *UDF) dependingOn(rootModelID uint32, devices []int32) []int {
	if len(devices) == 0 {
		return nil
	}
	pids := u.Pids(rootModelID)

	u.depsGuard.Lock()
	defer u.depsGuard.Unlock()
	result := make([]int, 0, len(pids))
	for _, pid := range pids {
		if slices.ContainsFunc(u.pidToDevices[pid], func(d int32) bool { return slices.Contains(devices, d) }) {
			result = append(result, pid)
		}
	}
	return result
}

func (u *UDF) client(pid int) *queue.Client {
	u.clientGuard.Lock()
	defer u.clientGuard.Unlock()
	return u.pidToClient[pid]
}

func (u *UDF) instanceNames(pid int) []string {
	u.namesGuard.Lock()
	defer u.namesGuard.Unlock()
	return slices.Clone(u.pidToNames[pid])
}

var errNoClient = errors.New("no control client")
