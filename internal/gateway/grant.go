package gateway

import (
	"context"
	"sync"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

// Granter assigns read/write permission on a queue to a process.
type Granter interface {
	GrantQueue(ctx context.Context, pid int, q models.QueueAttrs) error
}

type grantKey struct {
	pid   int
	queue models.QueueKey
}

// LocalGranter records grants in process, for nodes whose queues live in
// host memory.
type LocalGranter struct {
	mu     sync.Mutex
	grants map[grantKey]struct{}
}

func NewLocalGranter() *LocalGranter {
	return &LocalGranter{grants: make(map[grantKey]struct{})}
}

func (g *LocalGranter) GrantQueue(_ context.Context, pid int, q models.QueueAttrs) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[grantKey{pid: pid, queue: queueKey(q)}] = struct{}{}
	return nil
}

func (g *LocalGranter) Granted(pid int, q models.QueueAttrs) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.grants[grantKey{pid: pid, queue: queueKey(q)}]
	return ok
}

func queueKey(q models.QueueAttrs) models.QueueKey {
	return models.QueueKey{DeviceID: q.DeviceID, DeviceType: q.DeviceType, QueueID: q.QueueID}
}
