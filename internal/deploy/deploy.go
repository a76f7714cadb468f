package deploy

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

	"github.com/Sh00ty/flowdeploy/internal/executor"
	"github.com/Sh00ty/flowdeploy/internal/metrics"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/router"
)

var (
	ErrUnknownKind  = errors.New("no executor for kind")
	ErrUnknownModel = errors.New("root model is not loaded")
)

type Gateway interface {
	BindQueues(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error
	UnbindQueues(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error
	UpdateExceptionRoutes(ctx context.Context, routes []models.Route, endpoints []models.Endpoint) error
}

type Config struct {
	NodeID            models.NodeID
	HeartbeatInterval time.Duration
	RouterOptions     []router.Option
}

// modelState is what the node knows about one deployed root model.
type modelState struct {
	submodels     []models.LoadModelRequest
	keys          map[models.ExecutorKey]models.ExecutorKind
	instanceNames map[models.ExecutorKey][]string
}

func newModelState() *modelState {
	return &modelState{
		keys:          make(map[models.ExecutorKey]models.ExecutorKind),
		instanceNames: make(map[models.ExecutorKey][]string),
	}
}

func (s *modelState) kinds() []models.ExecutorKind {
	kinds := make([]models.ExecutorKind, 0, 3)
	for _, model := range s.submodels {
		if !slices.Contains(kinds, model.Kind) {
			kinds = append(kinds, model.Kind)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// DeployContext is the node side of a deployment. It owns the executor
// handles and the queue gateway and answers the deployer's control messages.
type DeployContext struct {
	cfg     Config
	handles map[models.ExecutorKind]executor.Handle
	gateway Gateway

	modelsGuard *sync.RWMutex
	models      map[uint32]*modelState

	abnormalGuard *sync.Mutex
	abnormal      map[uint32]map[string]bool

	routersGuard *sync.RWMutex
	routers      map[uint32]*router.Router

	events  chan<- models.AbnormalEvent
	metrics metrics.Metrics
	log     zerolog.Logger
}

// New builds the node context. events may be nil when nobody consumes
// abnormal edges.
func New(
	cfg Config,
	handles []executor.Handle,
	gateway Gateway,
	events chan<- models.AbnormalEvent,
	m metrics.Metrics,
) *DeployContext {
	if m == nil {
		m = metrics.Noop{}
	}
	byKind := make(map[models.ExecutorKind]executor.Handle, len(handles))
	for _, h := range handles {
		byKind[h.Kind()] = h
	}
	return &DeployContext{
		cfg:           cfg,
		handles:       byKind,
		gateway:       gateway,
		modelsGuard:   &sync.RWMutex{},
		models:        make(map[uint32]*modelState),
		abnormalGuard: &sync.Mutex{},
		abnormal:      make(map[uint32]map[string]bool),
		routersGuard:  &sync.RWMutex{},
		routers:       make(map[uint32]*router.Router),
		events:        events,
		metrics:       m,
		log:           log.With().Str("component", "deploy").Str("node", string(cfg.NodeID)).Logger(),
	}
}

func (d *DeployContext) Initialize(ctx context.Context) error {
	var errs error
	for _, kind := range d.kindsOfHandles() {
		if err := d.handles[kind].Initialize(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}
	return errs
}

func (d *DeployContext) BatchLoadModel(ctx context.Context, req models.BatchLoadModelRequest) models.Response {
	started := time.Now()
	byKind := make(map[models.ExecutorKind][]models.LoadModelRequest)
	for _, model := range req.Models {
		if model.RootModelID == 0 {
			model.RootModelID = req.RootModelID
		}
		if _, ok := d.handles[model.Kind]; !ok {
			return failure(fmt.Errorf("submodel %s: %w %q", model.ModelName, ErrUnknownKind, model.Kind))
		}
		byKind[model.Kind] = append(byKind[model.Kind], model)
	}

	var errs error
	for _, kind := range sortedKinds(byKind) {
		batch := req
		batch.Models = byKind[kind]
		loaded, err := d.handles[kind].LoadModel(ctx, batch)
		// partially loaded instances stay tracked so that unload sweeps them
		d.track(req.RootModelID, kind, batch.Models, loaded)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}
	d.registerRouter(req.RootModelID, req.Models)
	d.metrics.Duration("deploy.batch_load", time.Since(started))

	if errs != nil {
		d.log.Error().Err(errs).Msgf("root model %d failed to load", req.RootModelID)
		return failure(errs)
	}
	d.log.Info().Msgf("root model %d loaded: %d submodels", req.RootModelID, len(req.Models))
	return models.Response{Code: models.Success}
}

func (d *DeployContext) track(rootModelID uint32, kind models.ExecutorKind, submodels []models.LoadModelRequest, loaded []models.LoadedInstance) {
	d.modelsGuard.Lock()
	defer d.modelsGuard.Unlock()

	state, ok := d.models[rootModelID]
	if !ok {
		state = newModelState()
		d.models[rootModelID] = state
	}
	state.submodels = append(state.submodels, submodels...)
	for _, inst := range loaded {
		state.keys[inst.Key] = kind
		state.instanceNames[inst.Key] = inst.InstanceNames
	}
}

func (d *DeployContext) registerRouter(rootModelID uint32, submodels []models.LoadModelRequest) {
	groups := make([]models.DstGroupInfo, 0)
	for _, model := range submodels {
		groups = append(groups, model.DstGroups...)
	}
	if len(groups) == 0 {
		return
	}
	d.routersGuard.Lock()
	defer d.routersGuard.Unlock()

	r, ok := d.routers[rootModelID]
	if !ok {
		d.routers[rootModelID] = router.New(rootModelID, groups, d.cfg.RouterOptions...)
		return
	}
	for _, info := range groups {
		r.SetGroup(info)
	}
}

// Router returns the request router of a root model with group endpoints.
func (d *DeployContext) Router(rootModelID uint32) (*router.Router, bool) {
	d.routersGuard.RLock()
	defer d.routersGuard.RUnlock()
	r, ok := d.routers[rootModelID]
	return r, ok
}

func (d *DeployContext) Schedule(rootModelID uint32, req models.ScheduleRequest) (models.ScheduleResponse, error) {
	r, ok := d.Router(rootModelID)
	if !ok {
		return models.ScheduleResponse{}, fmt.Errorf("root model %d: %w", rootModelID, router.ErrUnknownGroup)
	}
	return r.Schedule(req)
}

// UnloadModel stops every instance of the root model and forgets it,
// including its abnormal names.
func (d *DeployContext) UnloadModel(ctx context.Context, req models.UnloadModelRequest) models.Response {
	d.modelsGuard.Lock()
	state, ok := d.models[req.ModelID]
	delete(d.models, req.ModelID)
	d.modelsGuard.Unlock()
	if !ok {
		d.log.Warn().Msgf("unload of unknown root model %d", req.ModelID)
		return models.Response{Code: models.Success}
	}

	var errs error
	for _, kind := range state.kinds() {
		if err := d.handles[kind].UnloadModel(ctx, req.ModelID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}

	d.routersGuard.Lock()
	delete(d.routers, req.ModelID)
	d.routersGuard.Unlock()

	d.abnormalGuard.Lock()
	delete(d.abnormal, req.ModelID)
	d.abnormalGuard.Unlock()

	if errs != nil {
		d.log.Error().Err(errs).Msgf("root model %d unloaded with errors", req.ModelID)
		return failure(errs)
	}
	d.log.Info().Msgf("root model %d unloaded", req.ModelID)
	return models.Response{Code: models.Success}
}

func (d *DeployContext) ClearModel(ctx context.Context, req models.ClearModelRequest) models.Response {
	return d.forModel(req.ModelID, "clear", func(h executor.Handle) error {
		return h.ClearModelRunningData(ctx, req)
	})
}

func (d *DeployContext) UpdateProf(ctx context.Context, req models.UpdateProfRequest) models.Response {
	return d.forModel(req.ModelID, "update prof", func(h executor.Handle) error {
		return h.UpdateProf(ctx, req)
	})
}

func (d *DeployContext) ExceptionNotify(ctx context.Context, req models.ExceptionNotifyRequest) models.Response {
	return d.forModel(req.RootModelID, "exception notify", func(h executor.Handle) error {
		return h.DataFlowExceptionNotify(ctx, req)
	})
}

func (d *DeployContext) SyncVarManager(ctx context.Context, req models.SyncVarManagerRequest) models.Response {
	var errs error
	for _, kind := range d.kindsOfHandles() {
		if err := d.handles[kind].SyncVarManager(ctx, req); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}
	if errs != nil {
		return failure(errs)
	}
	return models.Response{Code: models.Success}
}

func (d *DeployContext) forModel(rootModelID uint32, what string, fn func(executor.Handle) error) models.Response {
	kinds, ok := d.modelKinds(rootModelID)
	if !ok {
		return failure(fmt.Errorf("%s of %d: %w", what, rootModelID, ErrUnknownModel))
	}
	var errs error
	for _, kind := range kinds {
		if err := fn(d.handles[kind]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}
	if errs != nil {
		d.log.Error().Err(errs).Msgf("%s of root model %d failed", what, rootModelID)
		return failure(errs)
	}
	return models.Response{Code: models.Success}
}

func (d *DeployContext) BindQueues(ctx context.Context, req models.BindQueuesRequest) models.Response {
	if err := d.gateway.BindQueues(ctx, req.Endpoints, req.Routes); err != nil {
		return failure(err)
	}
	return models.Response{Code: models.Success}
}

func (d *DeployContext) UnbindQueues(ctx context.Context, req models.BindQueuesRequest) models.Response {
	if err := d.gateway.UnbindQueues(ctx, req.Endpoints, req.Routes); err != nil {
		return failure(err)
	}
	return models.Response{Code: models.Success}
}

// UpdateExceptionRoutes repairs routes around deleted endpoints and keeps the
// root model's router off them.
func (d *DeployContext) UpdateExceptionRoutes(ctx context.Context, req models.UpdateExceptionRoutesRequest) models.Response {
	err := d.gateway.UpdateExceptionRoutes(ctx, req.Routes, req.Endpoints)
	if r, ok := d.Router(req.RootModelID); ok {
		r.MarkDeleted(req.Endpoints)
	}
	if err != nil {
		return failure(err)
	}
	return models.Response{Code: models.Success}
}

// AckRedeploy forgets abnormal names of a root model, or of all of them for zero.
func (d *DeployContext) AckRedeploy(_ context.Context, req models.AckRedeployRequest) models.Response {
	d.abnormalGuard.Lock()
	defer d.abnormalGuard.Unlock()

	if req.RootModelID == 0 {
		d.abnormal = make(map[uint32]map[string]bool)
	} else {
		delete(d.abnormal, req.RootModelID)
	}
	d.log.Info().Msgf("redeploy acknowledged for root model %d", req.RootModelID)
	return models.Response{Code: models.Success}
}

// HandlePeerEvent invalidates instances that depend on devices of a dead peer.
func (d *DeployContext) HandlePeerEvent(ctx context.Context, event models.MemberShipEvent) {
	if event.Type != models.MemberShipDead || len(event.DeviceIDs) == 0 {
		return
	}
	d.log.Warn().Msgf("peer %s is dead, invalidating instances depending on devices %v", event.From, event.DeviceIDs)
	for _, root := range d.RootModels() {
		rsp := d.ClearModel(ctx, models.ClearModelRequest{
			ModelID:          root,
			ClearType:        models.ClearStop,
			RelatedDeviceIDs: event.DeviceIDs,
		})
		if !rsp.Code.IsSuccess() {
			d.log.Error().Msgf("failed to clear root model %d after peer %s death: %s", root, event.From, rsp.Message)
		}
	}
}

func (d *DeployContext) RootModels() []uint32 {
	d.modelsGuard.RLock()
	defer d.modelsGuard.RUnlock()

	roots := make([]uint32, 0, len(d.models))
	for root := range d.models {
		roots = append(roots, root)
	}
	slices.Sort(roots)
	return roots
}

// Finalize unloads every model and stops the handles.
func (d *DeployContext) Finalize(ctx context.Context) error {
	var errs error
	for _, root := range d.RootModels() {
		rsp := d.UnloadModel(ctx, models.UnloadModelRequest{ModelID: root})
		if !rsp.Code.IsSuccess() {
			errs = multierr.Append(errs, fmt.Errorf("unload %d: %s", root, rsp.Message))
		}
	}
	for _, kind := range d.kindsOfHandles() {
		if err := d.handles[kind].Finalize(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s executor: %w", kind, err))
		}
	}
	return errs
}

func (d *DeployContext) modelKinds(rootModelID uint32) ([]models.ExecutorKind, bool) {
	d.modelsGuard.RLock()
	defer d.modelsGuard.RUnlock()
	state, ok := d.models[rootModelID]
	if !ok {
		return nil, false
	}
	return state.kinds(), true
}

func (d *DeployContext) kindsOfHandles() []models.ExecutorKind {
	return sortedKinds(d.handles)
}

func sortedKinds[V any](m map[models.ExecutorKind]V) []models.ExecutorKind {
	kinds := make([]models.ExecutorKind, 0, len(m))
	for kind := range m {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// failure keeps the platform code of a worker failure, anything else is Failed.
func failure(err error) models.Response {
	code := models.Failed
	var resultErr *queue.ResultError
	if errors.As(err, &resultErr) {
		code = resultErr.Code
	}
	return models.Response{Code: code, Message: err.Error()}
}
