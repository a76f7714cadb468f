package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const pollSlice = 100 * time.Millisecond

var (
	ErrTimeout = errors.New("control request timed out")
	ErrWoken   = errors.New("control client woken for shutdown")
)

// ResultError carries a non-success platform code returned by a worker.
type ResultError struct {
	Type    models.ControlType
	Code    models.ResultCode
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Type, e.Code, e.Message)
}

// Client exchanges control messages with one worker over its queue pair.
// Requests are serialized: a worker answers one request at a time.
type Client struct {
	name  string
	pair  Pair
	mu    sync.Mutex
	woken atomic.Bool
}

func NewClient(name string, pair Pair) *Client {
	return &Client{
		name: name,
		pair: pair,
	}
}

func (c *Client) Pair() Pair {
	return c.pair
}

// SendRequest blocks until the worker replies or timeout elapses.
func (c *Client) SendRequest(
	ctx context.Context,
	typ models.ControlType,
	payload any,
	timeout time.Duration,
) (models.ControlReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.woken.Load() {
		return models.ControlReply{}, ErrWoken
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return models.ControlReply{}, fmt.Errorf("failed to generate request id: %w", err)
	}
	msg := models.ControlMessage{ID: id, Type: typ}
	if payload != nil {
		msg.Payload, err = json.Marshal(payload)
		if err != nil {
			return models.ControlReply{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return models.ControlReply{}, fmt.Errorf("failed to encode %s message: %w", typ, err)
	}
	if err := c.pair.Req.Enqueue(ctx, raw); err != nil {
		return models.ControlReply{}, fmt.Errorf("failed to send %s to %s: %w", typ, c.name, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return models.ControlReply{}, fmt.Errorf("%s to %s after %s: %w", typ, c.name, timeout, ErrTimeout)
		}
		raw, err := c.pair.Rsp.Dequeue(ctx, min(left, pollSlice))
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			return models.ControlReply{}, fmt.Errorf("failed to receive %s reply from %s: %w", typ, c.name, err)
		}
		reply := models.ControlReply{}
		if err := json.Unmarshal(raw, &reply); err != nil {
			log.Warn().Err(err).Msgf("drop undecodable reply from %s", c.name)
			continue
		}
		if reply.ID == string(models.ControlWake) {
			return models.ControlReply{}, ErrWoken
		}
		if reply.ID != id {
			log.Debug().Msgf("drop stale reply %s from %s", reply.ID, c.name)
			continue
		}
		return reply, nil
	}
}

// Call is SendRequest that turns a non-success reply into a ResultError.
func (c *Client) Call(ctx context.Context, typ models.ControlType, payload any, timeout time.Duration) (models.ControlReply, error) {
	reply, err := c.SendRequest(ctx, typ, payload, timeout)
	if err != nil {
		return reply, err
	}
	if !reply.Code.IsSuccess() {
		return reply, &ResultError{Type: typ, Code: reply.Code, Message: reply.Message}
	}
	return reply, nil
}

// Wake unblocks a pending SendRequest by pushing a wake marker into the
// response queue. Further requests fail with ErrWoken.
func (c *Client) Wake() {
	if !c.woken.CompareAndSwap(false, true) {
		return
	}
	raw, _ := json.Marshal(models.ControlReply{ID: string(models.ControlWake)})
	err := c.pair.Rsp.Enqueue(context.Background(), raw)
	if err != nil && !errors.Is(err, ErrClosed) {
		log.Warn().Err(err).Msgf("failed to wake control client %s", c.name)
	}
}

// Close wakes any pending request and releases the queue pair.
func (c *Client) Close() {
	c.Wake()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair.Close()
}

// Handler answers one control message on the worker side.
type Handler func(msg models.ControlMessage) models.ControlReply

// Respond serves control messages from the request queue until ctx is done
// or the queue is closed.
func Respond(ctx context.Context, pair Pair, handler Handler) error {
	for {
		raw, err := pair.Req.Dequeue(ctx, pollSlice)
		switch {
		case errors.Is(err, ErrEmpty):
			continue
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		msg := models.ControlMessage{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("drop undecodable control message")
			continue
		}
		reply := handler(msg)
		reply.ID = msg.ID
		out, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
		if err := pair.Rsp.Enqueue(ctx, out); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
}
