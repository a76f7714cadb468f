package router

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const DefaultCacheSize = 1024

type cacheKey struct {
	group   int
	transID uint64
}

type cachedRoute struct {
	routeIndex int
	route      models.DynamicGroupRouteInfo
}

// RouteCache pins a transaction to the route chosen for it first. Entries are
// evicted in insertion order: lookups never refresh recency.
type RouteCache struct {
	mu    sync.Mutex
	cache *lru.Cache[cacheKey, cachedRoute]
}

func NewRouteCache(size int) *RouteCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, cachedRoute](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &RouteCache{cache: cache}
}

func (c *RouteCache) Get(group int, transID uint64) (cachedRoute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Peek(cacheKey{group: group, transID: transID})
}

// Put keeps an existing entry untouched.
func (c *RouteCache) Put(group int, transID uint64, route cachedRoute) cachedRoute {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{group: group, transID: transID}
	if existing, ok := c.cache.Peek(key); ok {
		return existing
	}
	c.cache.Add(key, route)
	return route
}

func (c *RouteCache) Contains(group int, transID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Contains(cacheKey{group: group, transID: transID})
}

// RemoveIf drops every entry whose route matches fn.
func (c *RouteCache) RemoveIf(fn func(group int, route models.DynamicGroupRouteInfo) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.cache.Keys() {
		value, ok := c.cache.Peek(key)
		if ok && fn(key.group, value.route) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *RouteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
