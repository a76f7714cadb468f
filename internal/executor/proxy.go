package executor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/rmclient"
)

// ResourceManager owns workers of proxied instances on another host.
type ResourceManager interface {
	Launch(ctx context.Context, model models.LoadModelRequest) (*rmclient.LaunchResponse, error)
	Terminate(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (models.ProcStatus, error)
	Control(ctx context.Context, instanceID string, typ models.ControlType, payload any) (*models.ControlReply, error)
}

type remoteInstance struct {
	id      string
	key     models.ExecutorKey
	devices []int32
}

// Proxy relays control of instances to a remote resource manager.
type Proxy struct {
	cfg Config
	rm  ResourceManager

	instancesGuard *sync.RWMutex
	instances      map[int]remoteInstance
	modelGuard     *sync.Mutex
	modelIDToPids  map[uint32][]int
	statusGuard    *sync.Mutex
	lastStatus     map[int]models.ProcStatus

	log zerolog.Logger
}

func NewProxy(cfg Config, rm ResourceManager) *Proxy {
	return &Proxy{
		cfg:            cfg.withDefaults(),
		rm:             rm,
		instancesGuard: &sync.RWMutex{},
		instances:      make(map[int]remoteInstance),
		modelGuard:     &sync.Mutex{},
		modelIDToPids:  make(map[uint32][]int),
		statusGuard:    &sync.Mutex{},
		lastStatus:     make(map[int]models.ProcStatus),
		log:            log.With().Str("component", "proxy-executor").Logger(),
	}
}

func (p *Proxy) Kind() models.ExecutorKind {
	return models.ExecutorProxy
}

func (p *Proxy) Initialize(context.Context) error {
	return nil
}

func (p *Proxy) LoadModel(ctx context.Context, req models.BatchLoadModelRequest) ([]models.LoadedInstance, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		loaded = make([]models.LoadedInstance, 0, len(req.Models))
		errs   error
	)
	g.SetLimit(p.cfg.ForkLimit)
	for i, model := range req.Models {
		if model.RootModelID == 0 {
			model.RootModelID = req.RootModelID
		}
		g.Go(func() error {
			inst, err := p.launch(ctx, model)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("instance %d (%s): %w", i, model.ModelName, err))
				return nil
			}
			loaded = append(loaded, inst)
			return nil
		})
	}
	_ = g.Wait()
	return loaded, errs
}

func (p *Proxy) launch(ctx context.Context, model models.LoadModelRequest) (models.LoadedInstance, error) {
	resp, err := p.rm.Launch(ctx, model)
	if err != nil {
		return models.LoadedInstance{}, err
	}
	inst := remoteInstance{
		id:      resp.InstanceID,
		devices: slices.Clone(model.DependentDeviceIDs),
		key: models.ExecutorKey{
			RootModelID: model.RootModelID,
			DeviceType:  model.DeviceType,
			DeviceID:    model.DeviceID,
			ProcessID:   resp.Pid,
		},
	}
	p.instancesGuard.Lock()
	p.instances[resp.Pid] = inst
	p.instancesGuard.Unlock()

	p.modelGuard.Lock()
	p.modelIDToPids[model.RootModelID] = append(p.modelIDToPids[model.RootModelID], resp.Pid)
	p.modelGuard.Unlock()

	p.log.Info().Msgf("remote instance %s of %s started with pid %d", resp.InstanceID, model.ModelName, resp.Pid)
	return models.LoadedInstance{Key: inst.key, InstanceNames: slices.Clone(model.InstanceNames)}, nil
}

func (p *Proxy) UnloadModel(ctx context.Context, rootModelID uint32) error {
	p.modelGuard.Lock()
	pids := p.modelIDToPids[rootModelID]
	delete(p.modelIDToPids, rootModelID)
	p.modelGuard.Unlock()

	return broadcast(ctx, p.log, p.cfg.BroadcastLimit, "terminate", pids, p.terminate)
}

// ClearModelRunningData first terminates instances that route through one of
// the related devices, then broadcasts the clear to the rest.
func (p *Proxy) ClearModelRunningData(ctx context.Context, req models.ClearModelRequest) error {
	var errs error
	for _, pid := range p.dependingOn(req.ModelID, req.RelatedDeviceIDs) {
		p.log.Warn().Msgf("remote pid %d depends on abnormal devices %v, invalidating", pid, req.RelatedDeviceIDs)
		p.modelGuard.Lock()
		pids := slices.DeleteFunc(p.modelIDToPids[req.ModelID], func(other int) bool { return other == pid })
		if len(pids) == 0 {
			delete(p.modelIDToPids, req.ModelID)
		} else {
			p.modelIDToPids[req.ModelID] = pids
		}
		p.modelGuard.Unlock()
		errs = multierr.Append(errs, p.terminate(ctx, pid))
	}
	if errs != nil {
		p.log.Error().Err(errs).Msg("failed to terminate invalidated remote instances")
	}
	return p.send(ctx, req.ModelID, models.ControlClear, req)
}

func (p *Proxy) terminate(ctx context.Context, pid int) error {
	inst, ok := p.instance(pid)
	if !ok {
		return nil
	}
	p.instancesGuard.Lock()
	delete(p.instances, pid)
	p.instancesGuard.Unlock()
	p.statusGuard.Lock()
	delete(p.lastStatus, pid)
	p.statusGuard.Unlock()
	return p.rm.Terminate(ctx, inst.id)
}

func (p *Proxy) dependingOn(rootModelID uint32, devices []int32) []int {
	if len(devices) == 0 {
		return nil
	}
	p.modelGuard.Lock()
	pids := slices.Clone(p.modelIDToPids[rootModelID])
	p.modelGuard.Unlock()

	p.instancesGuard.RLock()
	defer p.instancesGuard.RUnlock()
	result := make([]int, 0, len(pids))
	for _, pid := range pids {
		inst, ok := p.instances[pid]
		if ok && slices.ContainsFunc(inst.devices, func(d int32) bool { return slices.Contains(devices, d) }) {
			result = append(result, pid)
		}
	}
	return result
}

func (p *Proxy) DataFlowExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) error {
	return p.send(ctx, req.RootModelID, models.ControlNotify, req)
}

func (p *Proxy) UpdateProf(ctx context.Context, req models.UpdateProfRequest) error {
	return p.send(ctx, req.ModelID, models.ControlProf, req)
}

func (p *Proxy) SyncVarManager(context.Context, models.SyncVarManagerRequest) error {
	return nil
}

// GetSubProcStat asks the resource manager and falls back to the last known
// status when it cannot be reached.
func (p *Proxy) GetSubProcStat(key models.ExecutorKey) models.ProcStatus {
	inst, ok := p.instance(key.ProcessID)
	if !ok {
		return models.ProcInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), min(p.cfg.LoadTimeout, 5*time.Second))
	defer cancel()

	status, err := p.rm.Status(ctx, inst.id)

	p.statusGuard.Lock()
	defer p.statusGuard.Unlock()
	if err != nil {
		p.log.Warn().Err(err).Msgf("failed to query status of %s, using last known", inst.id)
		if last, ok := p.lastStatus[key.ProcessID]; ok {
			return last
		}
		return models.ProcNormal
	}
	p.lastStatus[key.ProcessID] = status
	return status
}

func (p *Proxy) Finalize(ctx context.Context) error {
	p.modelGuard.Lock()
	roots := make([]uint32, 0, len(p.modelIDToPids))
	for root := range p.modelIDToPids {
		roots = append(roots, root)
	}
	p.modelGuard.Unlock()

	var errs error
	for _, root := range roots {
		errs = multierr.Append(errs, p.UnloadModel(ctx, root))
	}
	return errs
}

func (p *Proxy) send(ctx context.Context, rootModelID uint32, typ models.ControlType, payload any) error {
	p.modelGuard.Lock()
	pids := slices.Clone(p.modelIDToPids[rootModelID])
	p.modelGuard.Unlock()

	return broadcast(ctx, p.log, p.cfg.BroadcastLimit, string(typ), pids, func(ctx context.Context, pid int) error {
		inst, ok := p.instance(pid)
		if !ok {
			return fmt.Errorf("pid %d: %w", pid, errNoClient)
		}
		reply, err := p.rm.Control(ctx, inst.id, typ, payload)
		if err != nil {
			return err
		}
		if !reply.Code.IsSuccess() {
			return fmt.Errorf("%s on %s failed with code %d: %s", typ, inst.id, reply.Code, reply.Message)
		}
		return nil
	})
}

func (p *Proxy) instance(pid int) (remoteInstance, bool) {
	p.instancesGuard.RLock()
	defer p.instancesGuard.RUnlock()
	inst, ok := p.instances[pid]
	return inst, ok
}
