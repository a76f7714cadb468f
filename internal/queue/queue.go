package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmpty  = errors.New("queue is empty")
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// Queue is an opaque FIFO shared between the control plane and a worker.
type Queue interface {
	ID() uint32
	Enqueue(ctx context.Context, msg []byte) error
	// Dequeue blocks up to timeout and returns ErrEmpty when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error)
	Peek() ([]byte, bool)
	Close()
}

// Pair is the request/response queue couple dedicated to one worker.
type Pair struct {
	Req Queue
	Rsp Queue
}

func (p Pair) Close() {
	if p.Req != nil {
		p.Req.Close()
	}
	if p.Rsp != nil {
		p.Rsp.Close()
	}
}

type Factory interface {
	CreatePair(name string, deviceID int32) (Pair, error)
}
