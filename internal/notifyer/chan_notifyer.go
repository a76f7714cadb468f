package notifyer

import (
	"sync"
	"sync/atomic"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

// ChanNotifyer coalesces process transitions so that every pid has at most one
// undelivered event; a newer transition overwrites the queued one.
type ChanNotifyer struct {
	mu      sync.Mutex
	pending map[int]models.ProcStatus
	order   []int

	wake      chan struct{}
	eventChan chan models.ProcEvent
	closed    atomic.Bool
	close     chan struct{}
}

func NewNotifier() *ChanNotifyer {
	return &ChanNotifyer{
		pending:   make(map[int]models.ProcStatus, 64),
		order:     make([]int, 0, 64),
		wake:      make(chan struct{}, 1),
		eventChan: make(chan models.ProcEvent),
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifyer) NotifyProcStatusChanged(event models.ProcEvent) {
	if n.closed.Load() {
		return
	}
	n.mu.Lock()
	if _, queued := n.pending[event.Pid]; !queued {
		n.order = append(n.order, event.Pid)
	}
	n.pending[event.Pid] = event.Status
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run pumps queued events into the event channel until Close is called.
func (n *ChanNotifyer) Run() {
	defer close(n.eventChan)
	for {
		select {
		case <-n.close:
			return
		case <-n.wake:
		}
		for {
			event, ok := n.pop()
			if !ok {
				break
			}
			select {
			case n.eventChan <- event:
			case <-n.close:
				return
			}
		}
	}
}

func (n *ChanNotifyer) pop() (models.ProcEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.order) == 0 {
		return models.ProcEvent{}, false
	}
	pid := n.order[0]
	n.order = n.order[1:]
	status := n.pending[pid]
	delete(n.pending, pid)
	return models.ProcEvent{Pid: pid, Status: status}, true
}

func (n *ChanNotifyer) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.order)
}

func (n *ChanNotifyer) GetEventChan() <-chan models.ProcEvent {
	return n.eventChan
}

func (n *ChanNotifyer) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	close(n.close)
}
