package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

type Spawner interface {
	Spawn(cfg supervisor.SpawnConfig) (supervisor.ProcessHandle, error)
	Shutdown(pid int, timeout time.Duration) error
}

type ProcessConfig struct {
	BinPath         string
	BaseDir         string
	LibraryPath     string
	UnsetEnv        []string
	DeviceID        int32
	DeviceType      models.DeviceType
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type createGroupRequest struct {
	Owner      models.Endpoint   `json:"owner"`
	HardwareID uint64            `json:"hardware_id"`
	Members    []models.Endpoint `json:"members"`
}

type createGroupReply struct {
	GroupID uint32 `json:"group_id"`
}

type destroyGroupRequest struct {
	GroupID    uint32 `json:"group_id"`
	HardwareID uint64 `json:"hardware_id"`
}

// ProcessBackend drives a queue router subprocess over its control queue.
type ProcessBackend struct {
	cfg     ProcessConfig
	spawner Spawner
	granter Granter
	handle  supervisor.ProcessHandle
	client  *queue.Client
}

func StartProcessBackend(
	ctx context.Context,
	cfg ProcessConfig,
	spawner Spawner,
	factory queue.Factory,
	granter Granter,
) (*ProcessBackend, error) {
	const processName = "queue_router"

	pair, err := factory.CreatePair(processName, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create control queues for %s: %w", processName, err)
	}
	device := strconv.Itoa(int(cfg.DeviceID))
	reqID := strconv.FormatUint(uint64(pair.Req.ID()), 10)
	rspID := strconv.FormatUint(uint64(pair.Rsp.ID()), 10)
	handle, err := spawner.Spawn(supervisor.SpawnConfig{
		ProcessType: models.ProcessTypeQueueRouter,
		BinPath:     cfg.BinPath,
		DeathSignal: syscall.SIGKILL,
		LibraryPath: cfg.LibraryPath,
		UnsetEnv:    cfg.UnsetEnv,
		Args:        []string{processName, "", reqID, rspID, device},
		KVArgs: map[string]string{
			"base_dir":      cfg.BaseDir,
			"device_id":     device,
			"phy_device_id": device,
			"req_queue_id":  reqID,
			"rsp_queue_id":  rspID,
		},
	})
	if err != nil {
		pair.Close()
		return nil, err
	}
	b := &ProcessBackend{
		cfg:     cfg,
		spawner: spawner,
		granter: granter,
		handle:  handle,
		client:  queue.NewClient(processName, pair),
	}
	err = retry.Do(
		func() error {
			_, err := b.client.Call(ctx, models.ControlInit, nil, cfg.RequestTimeout)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, queue.ErrWoken)
		}),
	)
	if err != nil {
		b.Stop()
		return nil, fmt.Errorf("queue router did not become ready: %w", err)
	}
	log.Info().Msgf("queue router started with pid %d", handle.Pid())
	return b, nil
}

func (b *ProcessBackend) Pid() int {
	return b.handle.Pid()
}

func (b *ProcessBackend) GrantQueue(ctx context.Context, pid int, q models.QueueAttrs) error {
	return b.granter.GrantQueue(ctx, pid, q)
}

func (b *ProcessBackend) Bind(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error {
	_, err := b.client.Call(ctx, models.ControlBind, models.BindQueuesRequest{Endpoints: endpoints, Routes: routes}, b.cfg.RequestTimeout)
	return err
}

func (b *ProcessBackend) Unbind(ctx context.Context, endpoints []models.Endpoint, routes []models.Route) error {
	_, err := b.client.Call(ctx, models.ControlUnbind, models.BindQueuesRequest{Endpoints: endpoints, Routes: routes}, b.cfg.RequestTimeout)
	return err
}

func (b *ProcessBackend) CreateGroup(ctx context.Context, owner models.Endpoint, members []models.Endpoint) (uint32, error) {
	reply, err := b.client.Call(ctx, models.ControlGroupNew, createGroupRequest{
		Owner:      owner,
		HardwareID: GroupHardwareID(owner.Group.DeviceType, owner.Group.DeviceID, 0),
		Members:    members,
	}, b.cfg.RequestTimeout)
	if err != nil {
		return 0, err
	}
	created := createGroupReply{}
	if err := json.Unmarshal(reply.Payload, &created); err != nil {
		return 0, fmt.Errorf("failed to decode created group id: %w", err)
	}
	return created.GroupID, nil
}

func (b *ProcessBackend) DestroyGroup(ctx context.Context, owner models.Endpoint) error {
	_, err := b.client.Call(ctx, models.ControlGroupDrop, destroyGroupRequest{
		GroupID:    owner.Group.GroupID,
		HardwareID: GroupHardwareID(owner.Group.DeviceType, owner.Group.DeviceID, owner.Group.GroupID),
	}, b.cfg.RequestTimeout)
	return err
}

// Stop wakes pending requests before the router process is shut down.
func (b *ProcessBackend) Stop() {
	b.client.Close()
	if err := b.spawner.Shutdown(b.handle.Pid(), b.cfg.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msgf("failed to shutdown queue router pid %d", b.handle.Pid())
	}
}
