package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
)

const dequeueTimeout = 100 * time.Millisecond

// Forwarder delivers a request payload to the chosen physical instance.
type Forwarder interface {
	Forward(ctx context.Context, target models.TargetInstance, payload []byte) error
}

// QueueForwarder enqueues payloads on registered physical queues.
type QueueForwarder struct {
	mu     sync.RWMutex
	queues map[models.QueueKey]queue.Queue
}

func NewQueueForwarder() *QueueForwarder {
	return &QueueForwarder{queues: make(map[models.QueueKey]queue.Queue)}
}

func (f *QueueForwarder) Register(q models.QueueAttrs, target queue.Queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queueKey(q)] = target
}

func (f *QueueForwarder) Forward(ctx context.Context, target models.TargetInstance, payload []byte) error {
	f.mu.RLock()
	q, ok := f.queues[queueKey(target.Queue)]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no queue registered for instance %s", target.InstanceName)
	}
	return q.Enqueue(ctx, payload)
}

func queueKey(q models.QueueAttrs) models.QueueKey {
	return models.QueueKey{DeviceID: q.DeviceID, DeviceType: q.DeviceType, QueueID: q.QueueID}
}

// Serve reads scheduling requests and queue status reports from in until ctx
// is done or in is closed. Every scheduled request is answered on out and its
// payload forwarded to the winning instance.
func (r *Router) Serve(ctx context.Context, in, out queue.Queue, fwd Forwarder) error {
	r.log.Info().Msgf("router serves queue %d", in.ID())
	for {
		raw, err := in.Dequeue(ctx, dequeueTimeout)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrClosed), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("failed to dequeue scheduling request: %w", err)
		}
		msg := models.ControlMessage{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.log.Warn().Err(err).Msg("drop undecodable router message")
			continue
		}
		switch msg.Type {
		case models.ControlStatusInfo:
			statuses := make([]models.QueueStatus, 0)
			if err := json.Unmarshal(msg.Payload, &statuses); err != nil {
				r.log.Warn().Err(err).Msg("drop undecodable queue status report")
				continue
			}
			r.UpdateQueueStatus(statuses...)
		case models.ControlSchedule:
			if err := r.serveSchedule(ctx, msg, out, fwd); err != nil {
				r.log.Error().Err(err).Msgf("failed to schedule request %s", msg.ID)
			}
		default:
			r.log.Warn().Msgf("unexpected router message %s", msg.Type)
		}
	}
}

func (r *Router) serveSchedule(ctx context.Context, msg models.ControlMessage, out queue.Queue, fwd Forwarder) error {
	req := models.ScheduleRequest{}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	reply := models.ControlReply{ID: msg.ID, Code: models.Success}
	resp, err := r.Schedule(req)
	if err != nil {
		reply.Code = models.Failed
		reply.Message = err.Error()
	} else {
		reply.Payload, err = json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if err := out.Enqueue(ctx, raw); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	if !reply.Code.IsSuccess() {
		return nil
	}
	if err := fwd.Forward(ctx, resp.Route.Target, req.Payload); err != nil {
		return fmt.Errorf("failed to forward transaction %d to %s: %w", req.TransID, resp.Route.Target.InstanceName, err)
	}
	return nil
}
