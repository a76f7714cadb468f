package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const defaultHeartbeatInterval = 2 * time.Second

type probe struct {
	root  uint32
	key   models.ExecutorKey
	kind  models.ExecutorKind
	names []string
}

// Heartbeat probes every tracked instance and returns the full set of
// abnormal instance names per root model. Names stay reported until the
// model is unloaded or the redeploy is acknowledged.
func (d *DeployContext) Heartbeat(ctx context.Context) models.HeartbeatResponse {
	for _, p := range d.probes() {
		if d.handles[p.kind].GetSubProcStat(p.key) != models.ProcExited {
			continue
		}
		d.markAbnormal(ctx, p)
	}

	snapshot := d.AbnormalSnapshot()
	rsp := models.HeartbeatResponse{
		Code:                         models.Success,
		AbnormalSubmodelInstanceName: snapshot,
	}
	if len(snapshot) != 0 {
		rsp.Code = models.Failed
		rsp.Message = fmt.Sprintf("%d root models have abnormal instances", len(snapshot))
	}
	return rsp
}

func (d *DeployContext) probes() []probe {
	d.modelsGuard.RLock()
	defer d.modelsGuard.RUnlock()

	result := make([]probe, 0, len(d.models))
	for root, state := range d.models {
		for key, kind := range state.keys {
			result = append(result, probe{
				root:  root,
				key:   key,
				kind:  kind,
				names: state.instanceNames[key],
			})
		}
	}
	return result
}

func (d *DeployContext) markAbnormal(ctx context.Context, p probe) {
	fresh := make([]string, 0, len(p.names))

	d.abnormalGuard.Lock()
	names, ok := d.abnormal[p.root]
	if !ok {
		names = make(map[string]bool, len(p.names))
		d.abnormal[p.root] = names
	}
	for _, name := range p.names {
		if names[name] {
			continue
		}
		names[name] = true
		fresh = append(fresh, name)
	}
	d.abnormalGuard.Unlock()

	for _, name := range fresh {
		d.log.Warn().Msgf("instance %s of root model %d is abnormal: process %s exited", name, p.root, p.key)
		d.metrics.Increment("deploy.abnormal_instance")
		d.publish(ctx, models.AbnormalEvent{
			Type:         models.AbnormalInstanceDetected,
			NodeID:       d.cfg.NodeID,
			RootModelID:  p.root,
			InstanceName: name,
			Detail:       p.key.String(),
			DetectedAt:   time.Now(),
		})
	}
}

// publish never blocks the heartbeat on a slow consumer.
func (d *DeployContext) publish(ctx context.Context, event models.AbnormalEvent) {
	if d.events == nil {
		return
	}
	select {
	case d.events <- event:
	case <-ctx.Done():
	default:
		d.metrics.Increment("deploy.abnormal_event_dropped")
		d.log.Error().Msgf("abnormal event channel is full, dropped %+v", event)
	}
}

func (d *DeployContext) AbnormalSnapshot() map[uint32]map[string]bool {
	d.abnormalGuard.Lock()
	defer d.abnormalGuard.Unlock()

	snapshot := make(map[uint32]map[string]bool, len(d.abnormal))
	for root, names := range d.abnormal {
		if len(names) == 0 {
			continue
		}
		copied := make(map[string]bool, len(names))
		for name := range names {
			copied[name] = true
		}
		snapshot[root] = copied
	}
	return snapshot
}

// RunHeartbeat ticks the heartbeat locally so that abnormal events flow even
// when the deployer does not poll. A failed tick makes the next wait twice as long.
func (d *DeployContext) RunHeartbeat(ctx context.Context) error {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	var (
		limiter              = rate.NewLimiter(rate.Every(interval), 2)
		afterErrorTokenUsage = 2
		afterOkTokenUsage    = 1
		wasError             = false
	)
	for {
		reqTokenUsage := afterOkTokenUsage
		if wasError {
			reqTokenUsage = afterErrorTokenUsage
		}
		err := limiter.WaitN(ctx, reqTokenUsage)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.log.Error().Err(err).Msg("unexpected limiter error, sleep and retry")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
				continue
			}
		}
		requestID, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("failed to generate uuid for heartbeat, probably need restart: %w", err)
		}
		started := time.Now()
		rsp := d.Heartbeat(ctx)
		d.metrics.Duration("deploy.heartbeat", time.Since(started))
		wasError = !rsp.Code.IsSuccess()
		if wasError {
			d.log.Debug().Msgf("heartbeat %s: %s", requestID, rsp.Message)
		}
	}
}
