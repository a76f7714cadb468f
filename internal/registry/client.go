package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const (
	nodeKeyPrefix = "/flowdeploy/nodes"
)

func nodeKey(nodeID models.NodeID) string {
	return path.Join(nodeKeyPrefix, string(nodeID))
}

type Config struct {
	Endpoints   []string      `envconfig:"ETCD_ENDPOINTS,optional"`
	TTLSeconds  uint8         `envconfig:"ETCD_TTL_SECONDS,default=10"`
	DialTimeout time.Duration `envconfig:"ETCD_DIAL_TIMEOUT,default=5s"`
}

func (c Config) Enabled() bool {
	return len(c.Endpoints) != 0
}

// NodeRecord is what a node publishes about itself while its lease is alive.
type NodeRecord struct {
	NodeID     models.NodeID     `json:"node_id"`
	DeviceType models.DeviceType `json:"device_type"`
	DeviceIDs  []int32           `json:"device_ids"`
	Address    string            `json:"address"`
	StartedAt  time.Time         `json:"started_at"`
}

type Client struct {
	etcd       *clientv3.Client
	record     NodeRecord
	session    *concurrency.Session
	sessionTTL uint8
	leaseID    clientv3.LeaseID
}

func NewClient(cfg Config, record NodeRecord) (*Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Client{
		etcd:       clnt,
		record:     record,
		sessionTTL: cfg.TTLSeconds,
	}, nil
}

// Register puts the node record under a lease. A lease left by a previous run
// of the same node is reused while it is still alive.
func (c *Client) Register(ctx context.Context) error {
	value, err := json.Marshal(c.record)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}
	return retry.Do(
		func() error {
			resp, err := c.etcd.KV.Get(ctx, nodeKey(c.record.NodeID))
			if err != nil {
				return fmt.Errorf("failed to get current node record: %w", err)
			}
			leaseID := int64(0)
			if len(resp.Kvs) != 0 {
				leaseID = resp.Kvs[0].Lease
			}
			err = c.acquireSession(ctx, leaseID)
			if err != nil {
				return fmt.Errorf("failed to acquire node etcd session: %w", err)
			}
			_, err = c.etcd.KV.Put(
				ctx,
				nodeKey(c.record.NodeID),
				string(value),
				clientv3.WithLease(c.leaseID),
			)
			if err != nil {
				return fmt.Errorf("failed to register node: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Msgf("etcd registration attempt %d failed", n+1)
		}),
	)
}

func (c *Client) acquireSession(ctx context.Context, leaseID int64) error {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	opts := []concurrency.SessionOption{
		concurrency.WithContext(ctx),
		concurrency.WithTTL(int(c.sessionTTL)),
	}
	if leaseID != 0 {
		opts = append(opts, concurrency.WithLease(clientv3.LeaseID(leaseID)))
	}
	session, err := concurrency.NewSession(c.etcd, opts...)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	c.session = session
	c.leaseID = session.Lease()
	return nil
}

// Done is closed when the lease can no longer be kept alive.
func (c *Client) Done() <-chan struct{} {
	if c.session == nil {
		return nil
	}
	return c.session.Done()
}

func (c *Client) Nodes(ctx context.Context) ([]NodeRecord, error) {
	resp, err := c.etcd.KV.Get(ctx, nodeKeyPrefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	records := make([]NodeRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		record, err := decodeRecord(string(kv.Key), kv.Value)
		if err != nil {
			log.Error().Err(err).Msg("skip broken node record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func decodeRecord(key string, value []byte) (NodeRecord, error) {
	record := NodeRecord{}
	if err := json.Unmarshal(value, &record); err != nil {
		return NodeRecord{}, fmt.Errorf("bad record under %s: %w", key, err)
	}
	if record.NodeID == "" {
		record.NodeID = models.NodeID(strings.TrimPrefix(key, nodeKeyPrefix+"/"))
	}
	return record, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c.session != nil {
		err := c.session.Close()
		if err != nil {
			log.Error().Err(err).Msg("error during closing etcd session")
		}
	}
	return c.etcd.Close()
}
