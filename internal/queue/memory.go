package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDepth = 1024

type Memory struct {
	id    uint32
	depth int

	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewMemory(id uint32, depth int) *Memory {
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Memory{
		id:     id,
		depth:  depth,
		items:  make([][]byte, 0, 16),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *Memory) ID() uint32 {
	return q.id
}

func (q *Memory) Enqueue(ctx context.Context, msg []byte) error {
	select {
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	q.mu.Lock()
	if len(q.items) >= q.depth {
		q.mu.Unlock()
		return fmt.Errorf("queue %d: %w", q.id, ErrFull)
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if msg, ok := q.pop(); ok {
			return msg, nil
		}
		select {
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if msg, ok := q.pop(); ok {
				return msg, nil
			}
			return nil, ErrEmpty
		case <-q.notify:
		}
	}
}

func (q *Memory) Peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Memory) Close() {
	q.once.Do(func() {
		close(q.closed)
	})
}

func (q *Memory) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// another waiter may be parked on notify
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return msg, true
}

// MemoryFactory hands out in-process queue pairs with increasing ids.
type MemoryFactory struct {
	depth  int
	nextID atomic.Uint32

	mu    sync.Mutex
	pairs map[uint32]Pair
}

func NewMemoryFactory(depth int) *MemoryFactory {
	return &MemoryFactory{
		depth: depth,
		pairs: make(map[uint32]Pair),
	}
}

func (f *MemoryFactory) CreatePair(name string, deviceID int32) (Pair, error) {
	req := NewMemory(f.nextID.Add(1), f.depth)
	rsp := NewMemory(f.nextID.Add(1), f.depth)
	pair := Pair{Req: req, Rsp: rsp}

	f.mu.Lock()
	f.pairs[req.ID()] = pair
	f.mu.Unlock()
	return pair, nil
}

// Lookup returns the pair whose request queue has the given id.
func (f *MemoryFactory) Lookup(reqID uint32) (Pair, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.pairs[reqID]
	return pair, ok
}
