package gateway

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const groupHardwareBit = uint64(1) << 63

// Backend is the queue routing service of one node.
type Backend interface {
	Granter
	Pid() int
	Bind(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error
	Unbind(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error
	CreateGroup(ctx context.Context, owner models.Endpoint, members []models.Endpoint) (uint32, error)
	DestroyGroup(ctx context.Context, owner models.Endpoint) error
}

// GroupHardwareID resolves a group endpoint to the id understood by the device.
func GroupHardwareID(deviceType models.DeviceType, deviceID int32, groupID uint32) uint64 {
	return groupHardwareBit |
		uint64(uint16(deviceType))<<48 |
		uint64(uint16(deviceID))<<32 |
		uint64(groupID)
}

type routeKey struct {
	src string
	dst string
}

type QueueGateway struct {
	backend    Backend
	deviceType models.DeviceType

	grantedGuard *sync.Mutex
	granted      map[grantKey]struct{}

	boundGuard *sync.Mutex
	bound      map[routeKey]struct{}

	log zerolog.Logger
}

func New(backend Backend, deviceType models.DeviceType) *QueueGateway {
	return &QueueGateway{
		backend:      backend,
		deviceType:   deviceType,
		grantedGuard: &sync.Mutex{},
		granted:      make(map[grantKey]struct{}, 64),
		boundGuard:   &sync.Mutex{},
		bound:        make(map[routeKey]struct{}, 64),
		log:          log.With().Str("component", "queue-gateway").Logger(),
	}
}

// BindQueues grants the gateway access to local queues and binds every route
// that is not bound yet in one backend call.
func (g *QueueGateway) BindQueues(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error {
	if err := validate(endpoints, routes); err != nil {
		return err
	}
	pending := g.filter(endpoints, routes, false)
	if len(pending) == 0 {
		g.log.Debug().Msgf("all %d routes already bound", len(routes))
		return nil
	}
	for _, route := range pending {
		for _, idx := range []int{route.Src, route.Dst} {
			if err := g.grantGateway(ctx, endpoints[idx]); err != nil {
				return err
			}
		}
	}
	if err := g.backend.Bind(ctx, endpoints, pending); err != nil {
		return fmt.Errorf("failed to bind %d routes: %w", len(pending), err)
	}
	g.mark(endpoints, pending, true)
	g.log.Info().Msgf("bound routes %v", pending)
	return nil
}

// UnbindQueues unbinds the routes that are currently bound. Unknown routes are skipped.
func (g *QueueGateway) UnbindQueues(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error {
	if err := validate(endpoints, routes); err != nil {
		return err
	}
	pending := g.filter(endpoints, routes, true)
	if len(pending) == 0 {
		return nil
	}
	if err := g.backend.Unbind(ctx, endpoints, pending); err != nil {
		return fmt.Errorf("failed to unbind %d routes: %w", len(pending), err)
	}
	g.mark(endpoints, pending, false)
	g.log.Info().Msgf("unbound routes %v", pending)
	return nil
}

func (g *QueueGateway) CreateGroup(ctx context.Context, owner models.Endpoint, members []models.Endpoint) (uint32, error) {
	if !owner.IsGroup() {
		return 0, fmt.Errorf("endpoint %s is not a group", owner.Name)
	}
	for _, member := range members {
		if err := g.grantGateway(ctx, member); err != nil {
			return 0, err
		}
	}
	id, err := g.backend.CreateGroup(ctx, owner, members)
	if err != nil {
		return 0, fmt.Errorf("failed to create group for %s: %w", owner.Name, err)
	}
	return id, nil
}

func (g *QueueGateway) DestroyGroup(ctx context.Context, owner models.Endpoint) error {
	if !owner.IsGroup() {
		return fmt.Errorf("endpoint %s is not a group", owner.Name)
	}
	if err := g.backend.DestroyGroup(ctx, owner); err != nil {
		return fmt.Errorf("failed to destroy group %d of %s: %w", owner.Group.GroupID, owner.Name, err)
	}
	return nil
}

// RebuildGroup replaces the membership of endpoints[owner] with its non-deleted
// members: the old group is destroyed, a new one is created and the endpoint
// is rewritten in place with the new id and member list.
func (g *QueueGateway) RebuildGroup(ctx context.Context, endpoints []models.Endpoint, owner int) error {
	if owner < 0 || owner >= len(endpoints) || !endpoints[owner].IsGroup() {
		return fmt.Errorf("endpoint %d is not a group", owner)
	}
	ep := &endpoints[owner]
	oldID := ep.Group.GroupID

	alive := make([]int, 0, len(ep.Group.Members))
	members := make([]models.Endpoint, 0, len(ep.Group.Members))
	for _, idx := range ep.Group.Members {
		if idx < 0 || idx >= len(endpoints) {
			return fmt.Errorf("group %s references endpoint %d out of range", ep.Name, idx)
		}
		if endpoints[idx].Deleted {
			continue
		}
		alive = append(alive, idx)
		members = append(members, endpoints[idx])
	}

	if err := g.DestroyGroup(ctx, *ep); err != nil {
		g.log.Error().Err(err).Msgf("group %s: destroy failed, routes through it are broken", ep.Name)
		return &RouteRebuildError{Endpoint: ep.Name, GroupID: oldID, Stage: StageDestroy, Err: err}
	}
	newID, err := g.CreateGroup(ctx, *ep, members)
	if err != nil {
		g.log.Error().Err(err).Msgf("group %s: old group %d destroyed but create failed, endpoint has no group", ep.Name, oldID)
		return &RouteRebuildError{Endpoint: ep.Name, GroupID: oldID, Stage: StageCreate, Err: err}
	}
	ep.Group.GroupID = newID
	ep.Group.Members = alive
	g.log.Info().Msgf("group %s rebuilt: id %d -> %d, members %v", ep.Name, oldID, newID, alive)
	return nil
}

// UpdateExceptionRoutes repairs routes after endpoints were marked deleted.
// Routes touching a deleted endpoint are unbound for good. A route into a
// group is left to dynamic fan-out unless its source group lost members.
// Every other route is unbound, its source group rebuilt once, then bound
// again. All unbinds happen before any rebuild so no route keeps pointing
// at a destroyed group id.
func (g *QueueGateway) UpdateExceptionRoutes(ctx context.Context, routes []models.Route, endpoints []models.Endpoint) error {
	if err := validate(endpoints, routes); err != nil {
		return err
	}
	var (
		dropped  = make([]models.Route, 0, len(routes))
		rewired  = make([]models.Route, 0, len(routes))
		rebuilds = make([]int, 0, len(routes))
	)
	for _, route := range routes {
		src, dst := endpoints[route.Src], endpoints[route.Dst]
		if src.Deleted || dst.Deleted {
			dropped = append(dropped, route)
			continue
		}
		srcChanged := src.IsGroup() && hasDeletedMember(endpoints, src)
		if dst.IsGroup() && !srcChanged {
			continue
		}
		rewired = append(rewired, route)
		if srcChanged && !slices.Contains(rebuilds, route.Src) {
			rebuilds = append(rebuilds, route.Src)
		}
	}

	if err := g.UnbindQueues(ctx, endpoints, append(dropped, rewired...)); err != nil {
		return fmt.Errorf("failed to unbind exception routes: %w", err)
	}
	for _, owner := range rebuilds {
		if err := g.RebuildGroup(ctx, endpoints, owner); err != nil {
			return err
		}
	}
	if len(rewired) == 0 {
		return nil
	}
	if err := g.BindQueues(ctx, endpoints, rewired); err != nil {
		return fmt.Errorf("failed to rebind exception routes: %w", err)
	}
	return nil
}

// IsBound reports whether the route between the two endpoints is bound.
func (g *QueueGateway) IsBound(src, dst models.Endpoint) bool {
	g.boundGuard.Lock()
	defer g.boundGuard.Unlock()
	_, ok := g.bound[routeKey{src: endpointKey(src), dst: endpointKey(dst)}]
	return ok
}

func (g *QueueGateway) grantGateway(ctx context.Context, ep models.Endpoint) error {
	if !ep.IsQueue() || ep.Queue == nil || ep.Queue.DeviceType != g.deviceType {
		return nil
	}
	pid := g.backend.Pid()
	key := grantKey{pid: pid, queue: queueKey(*ep.Queue)}

	g.grantedGuard.Lock()
	defer g.grantedGuard.Unlock()
	if _, ok := g.granted[key]; ok {
		return nil
	}
	if err := g.backend.GrantQueue(ctx, pid, *ep.Queue); err != nil {
		return &GrantError{Pid: pid, Queue: *ep.Queue, Err: err}
	}
	g.granted[key] = struct{}{}
	return nil
}

func (g *QueueGateway) filter(endpoints []models.Endpoint, routes []models.Route, bound bool) []models.Route {
	g.boundGuard.Lock()
	defer g.boundGuard.Unlock()

	result := make([]models.Route, 0, len(routes))
	seen := make(map[routeKey]struct{}, len(routes))
	for _, route := range routes {
		key := routeKey{src: endpointKey(endpoints[route.Src]), dst: endpointKey(endpoints[route.Dst])}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := g.bound[key]; ok == bound {
			result = append(result, route)
		}
	}
	return result
}

func (g *QueueGateway) mark(endpoints []models.Endpoint, routes []models.Route, bound bool) {
	g.boundGuard.Lock()
	defer g.boundGuard.Unlock()
	for _, route := range routes {
		key := routeKey{src: endpointKey(endpoints[route.Src]), dst: endpointKey(endpoints[route.Dst])}
		if bound {
			g.bound[key] = struct{}{}
		} else {
			delete(g.bound, key)
		}
	}
}

func validate(endpoints []models.Endpoint, routes []models.Route) error {
	for _, route := range routes {
		if route.Src < 0 || route.Src >= len(endpoints) || route.Dst < 0 || route.Dst >= len(endpoints) {
			return fmt.Errorf("route %s references endpoint out of range [0, %d)", route, len(endpoints))
		}
	}
	return nil
}

func hasDeletedMember(endpoints []models.Endpoint, group models.Endpoint) bool {
	return slices.ContainsFunc(group.Group.Members, func(idx int) bool {
		return idx >= 0 && idx < len(endpoints) && endpoints[idx].Deleted
	})
}

// endpointKey is the resolved identity of an endpoint, independent of its
// position in a request.
func endpointKey(ep models.Endpoint) string {
	switch {
	case ep.IsQueue() && ep.Queue != nil:
		return fmt.Sprintf("q/%d/%d/%d", ep.Queue.DeviceType, ep.Queue.DeviceID, ep.Queue.QueueID)
	case ep.IsGroup():
		return fmt.Sprintf("g/%x", GroupHardwareID(ep.Group.DeviceType, ep.Group.DeviceID, ep.Group.GroupID))
	case ep.Type == models.EndpointTag && ep.Tag != nil:
		return fmt.Sprintf("t/%d/%d/%d/%d/%d", ep.Tag.CommHandle, ep.Tag.LocalRank, ep.Tag.PeerRank, ep.Tag.LocalTagID, ep.Tag.PeerTagID)
	}
	return fmt.Sprintf("%s/%s", ep.Type, ep.Name)
}
