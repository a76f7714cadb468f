package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

type Config struct {
	Port                int           `envconfig:"GOSSIP_PORT,default=7946"`
	GossipProbeInterval time.Duration `envconfig:"GOSSIP_PROBE_INTERVAL,default=1s"`
	GossipProbeTimeout  time.Duration `envconfig:"GOSSIP_PROBE_TIMEOUT,default=500ms"`
	SeedNodes           []string      `envconfig:"GOSSIP_SEED_NODES,optional"`
}

type nodeMeta struct {
	DeviceIDs []int32 `json:"devices"`
}

// metaDelegate only publishes node meta; user messages and state sync are unused.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		log.Error().Msgf("gossip node meta is %d bytes, limit is %d", len(d.meta), limit)
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

type MemberList struct {
	list      *memberlist.Memberlist
	seedNodes []string
}

func New(ctx context.Context, nodeID models.NodeID, deviceIDs []int32, cfg Config, notify chan<- models.MemberShipEvent) (*MemberList, error) {
	const eventBufSize = 256

	meta, err := json.Marshal(nodeMeta{DeviceIDs: deviceIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	events := make(chan memberlist.NodeEvent, eventBufSize)
	config := memberlist.DefaultLocalConfig()
	config.Name = string(nodeID)
	config.BindPort = cfg.Port
	config.AdvertisePort = cfg.Port
	config.LogOutput = io.Discard
	config.ProbeInterval = cfg.GossipProbeInterval
	config.ProbeTimeout = cfg.GossipProbeTimeout
	config.Delegate = &metaDelegate{meta: meta}
	config.Events = &memberlist.ChannelEventDelegate{
		Ch: events,
	}

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case mlEvent, opened := <-events:
				if !opened {
					return
				}
				if mlEvent.Node.Name == config.Name {
					continue
				}
				event, ok := translate(mlEvent)
				if !ok {
					log.Warn().Msgf(
						"got unknown event from node %s: type=%d, node.status=%d",
						mlEvent.Node.Name,
						mlEvent.Event,
						mlEvent.Node.State,
					)
					continue
				}
				log.Debug().Msgf("gossip event from node %s: %s, devices %v", event.From, event.Type, event.DeviceIDs)
				select {
				case notify <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &MemberList{
		list:      ml,
		seedNodes: cfg.SeedNodes,
	}, nil
}

func translate(mlEvent memberlist.NodeEvent) (models.MemberShipEvent, bool) {
	eventType := models.MemberShipUnknown
	switch mlEvent.Event {
	case memberlist.NodeJoin:
		eventType = models.MemberShipNew
	case memberlist.NodeLeave:
		switch mlEvent.Node.State {
		case memberlist.StateLeft:
			eventType = models.MemberShipUpdating
		case memberlist.StateSuspect:
			eventType = models.MemberShipSuspect
		default:
			// a leave is only ever reported for a node that is gone
			eventType = models.MemberShipDead
		}
	case memberlist.NodeUpdate:
		if mlEvent.Node.State == memberlist.StateSuspect {
			eventType = models.MemberShipSuspect
		}
	}
	if eventType == models.MemberShipUnknown {
		return models.MemberShipEvent{}, false
	}
	event := models.MemberShipEvent{
		Type: eventType,
		From: models.NodeID(mlEvent.Node.Name),
	}
	meta := nodeMeta{}
	if len(mlEvent.Node.Meta) != 0 {
		if err := json.Unmarshal(mlEvent.Node.Meta, &meta); err != nil {
			log.Error().Err(err).Msgf("bad gossip meta from node %s", mlEvent.Node.Name)
		}
	}
	event.DeviceIDs = meta.DeviceIDs
	return event, true
}

func (l *MemberList) Join(ctx context.Context) error {
	if len(l.seedNodes) == 0 {
		return nil
	}
	_, err := l.list.Join(l.seedNodes)
	if err != nil {
		return fmt.Errorf("failed to join memberlist: %w", err)
	}
	return nil
}

func (l *MemberList) Members() []models.NodeID {
	members := l.list.Members()
	result := make([]models.NodeID, 0, len(members))
	for _, m := range members {
		result = append(result, models.NodeID(m.Name))
	}
	return result
}

func (l *MemberList) GracefulClose(timeout time.Duration) error {
	log.Warn().Msg("start graceful leaving from gossip cluster")

	return l.list.Leave(timeout)
}

func (l *MemberList) Close() error {
	log.Warn().Msg("force leave gossip cluster")

	return l.list.Shutdown()
}
