package router

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/lafikl/consistent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

var (
	ErrUnknownGroup = errors.New("unknown group endpoint")
	ErrNoRoute      = errors.New("no normal route in group")
)

type Policy int8

const (
	// PolicyPriority picks the lowest priority, ties go to the largest index.
	PolicyPriority Policy = iota
	// PolicyLoadAware picks the shallowest reported queue, then as PolicyPriority.
	PolicyLoadAware
)

type Option func(*Router)

func WithPolicy(p Policy) Option {
	return func(r *Router) {
		r.policy = p
	}
}

func WithCacheSize(size int) Option {
	return func(r *Router) {
		r.cache = NewRouteCache(size)
	}
}

type groupTable struct {
	info models.DstGroupInfo
	// only for hash groups; holds eligible routes
	ring *consistent.Consistent
}

// Router selects the physical destination of requests sent to group
// endpoints of one root model.
type Router struct {
	policy Policy
	cache  *RouteCache

	tablesGuard *sync.RWMutex
	groups      map[int]*groupTable
	deleted     map[int]struct{}

	statusGuard *sync.RWMutex
	queueStatus map[models.QueueKey]models.QueueStatus

	log zerolog.Logger
}

func New(rootModelID uint32, groups []models.DstGroupInfo, opts ...Option) *Router {
	r := &Router{
		policy:      PolicyPriority,
		tablesGuard: &sync.RWMutex{},
		groups:      make(map[int]*groupTable, len(groups)),
		deleted:     make(map[int]struct{}),
		statusGuard: &sync.RWMutex{},
		queueStatus: make(map[models.QueueKey]models.QueueStatus),
		log:         log.With().Str("component", "router").Uint32("root_model_id", rootModelID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewRouteCache(DefaultCacheSize)
	}
	for _, info := range groups {
		r.setGroupLocked(info)
	}
	return r
}

// Schedule resolves the route for a request. A transaction keeps the route it
// got first for as long as it stays in the cache.
func (r *Router) Schedule(req models.ScheduleRequest) (models.ScheduleResponse, error) {
	if cached, ok := r.cache.Get(req.GroupIndex, req.TransID); ok {
		return models.ScheduleResponse{
			TransID:    req.TransID,
			GroupIndex: req.GroupIndex,
			RouteIndex: cached.routeIndex,
			Route:      cached.route,
			Cached:     true,
		}, nil
	}

	routeIndex, route, err := r.selectRoute(req.GroupIndex, req.TransID)
	if err != nil {
		return models.ScheduleResponse{}, err
	}
	chosen := r.cache.Put(req.GroupIndex, req.TransID, cachedRoute{routeIndex: routeIndex, route: route})
	return models.ScheduleResponse{
		TransID:    req.TransID,
		GroupIndex: req.GroupIndex,
		RouteIndex: chosen.routeIndex,
		Route:      chosen.route,
	}, nil
}

func (r *Router) selectRoute(group int, transID uint64) (int, models.DynamicGroupRouteInfo, error) {
	r.tablesGuard.RLock()
	defer r.tablesGuard.RUnlock()

	table, ok := r.groups[group]
	if !ok {
		return 0, models.DynamicGroupRouteInfo{}, fmt.Errorf("group %d: %w", group, ErrUnknownGroup)
	}
	if table.ring != nil {
		host, err := table.ring.Get(strconv.FormatUint(transID, 10))
		if err != nil {
			return 0, models.DynamicGroupRouteInfo{}, fmt.Errorf("group %d: %w", group, ErrNoRoute)
		}
		idx, _ := strconv.Atoi(host)
		return idx, table.info.Routes[idx], nil
	}

	best := -1
	for i, route := range table.info.Routes {
		if !r.eligibleLocked(route) {
			continue
		}
		if best < 0 || r.better(route, table.info.Routes[best]) {
			best = i
		}
	}
	if best < 0 {
		return 0, models.DynamicGroupRouteInfo{}, fmt.Errorf("group %d: %w", group, ErrNoRoute)
	}
	return best, table.info.Routes[best], nil
}

func (r *Router) better(a, b models.DynamicGroupRouteInfo) bool {
	if r.policy == PolicyLoadAware {
		da, db := r.depth(a.Target.Queue), r.depth(b.Target.Queue)
		if da != db {
			return da < db
		}
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Index > b.Index
}

func (r *Router) eligibleLocked(route models.DynamicGroupRouteInfo) bool {
	if !route.IsNormal {
		return false
	}
	_, deleted := r.deleted[route.Target.EndpointIndex]
	return !deleted
}

// SetGroup replaces the candidates of a group. Cached transactions keep
// their routes.
func (r *Router) SetGroup(info models.DstGroupInfo) {
	r.tablesGuard.Lock()
	defer r.tablesGuard.Unlock()
	r.setGroupLocked(info)
}

func (r *Router) setGroupLocked(info models.DstGroupInfo) {
	table := &groupTable{info: info}
	table.info.Routes = append([]models.DynamicGroupRouteInfo(nil), info.Routes...)
	if info.Policy == models.GroupPolicyHash {
		table.ring = consistent.New()
		for i, route := range table.info.Routes {
			if r.eligibleLocked(route) {
				table.ring.Add(strconv.Itoa(i))
			}
		}
	}
	r.groups[info.OwnerEndpointIndex] = table
}

// SetRouteState marks a candidate normal or abnormal.
func (r *Router) SetRouteState(group int, routeIndex int, normal bool) error {
	r.tablesGuard.Lock()
	defer r.tablesGuard.Unlock()

	table, ok := r.groups[group]
	if !ok {
		return fmt.Errorf("group %d: %w", group, ErrUnknownGroup)
	}
	if routeIndex < 0 || routeIndex >= len(table.info.Routes) {
		return fmt.Errorf("group %d has no route %d", group, routeIndex)
	}
	table.info.Routes[routeIndex].IsNormal = normal
	r.setGroupLocked(table.info)
	return nil
}

// MarkDeleted excludes candidates behind deleted endpoints and drops cached
// transactions pinned to them.
func (r *Router) MarkDeleted(endpoints []models.Endpoint) {
	r.tablesGuard.Lock()
	for idx, ep := range endpoints {
		if ep.Deleted {
			r.deleted[idx] = struct{}{}
		}
	}
	for _, table := range r.groups {
		r.setGroupLocked(table.info)
	}
	deleted := make(map[int]struct{}, len(r.deleted))
	for idx := range r.deleted {
		deleted[idx] = struct{}{}
	}
	r.tablesGuard.Unlock()

	removed := r.cache.RemoveIf(func(_ int, route models.DynamicGroupRouteInfo) bool {
		_, gone := deleted[route.Target.EndpointIndex]
		return gone
	})
	if removed > 0 {
		r.log.Warn().Msgf("dropped %d cached transactions pinned to deleted endpoints", removed)
	}
}

// UpdateQueueStatus records depth reports of physical queues.
func (r *Router) UpdateQueueStatus(statuses ...models.QueueStatus) {
	r.statusGuard.Lock()
	defer r.statusGuard.Unlock()
	for _, st := range statuses {
		r.queueStatus[st.Key()] = st
	}
}

func (r *Router) QueueStatus(key models.QueueKey) (models.QueueStatus, bool) {
	r.statusGuard.RLock()
	defer r.statusGuard.RUnlock()
	st, ok := r.queueStatus[key]
	return st, ok
}

func (r *Router) depth(q models.QueueAttrs) uint32 {
	st, _ := r.QueueStatus(models.QueueKey{DeviceID: q.DeviceID, DeviceType: q.DeviceType, QueueID: q.QueueID})
	return st.Depth
}
