package executor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Sh00ty/flowdeploy/internal/gateway"
	"github.com/Sh00ty/flowdeploy/internal/memgroup"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/queue"
	"github.com/Sh00ty/flowdeploy/internal/supervisor"
)

// fakeSupervisor hands out fake pids and answers every control message of
// the spawned worker with the configured code.
type fakeSupervisor struct {
	ctx     context.Context
	queues  *queue.MemoryFactory
	failFor map[string]bool

	mu        sync.Mutex
	nextPid   int
	spawned   map[int]supervisor.SpawnConfig
	callbacks map[int]func(models.ProcStatus)
	shutdown  []int
	received  map[int][]models.ControlType
	replyCode map[int]models.ResultCode
}

func newFakeSupervisor(t *testing.T, queues *queue.MemoryFactory) *fakeSupervisor {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fakeSupervisor{
		ctx:       ctx,
		queues:    queues,
		failFor:   make(map[string]bool),
		nextPid:   1000,
		spawned:   make(map[int]supervisor.SpawnConfig),
		callbacks: make(map[int]func(models.ProcStatus)),
		received:  make(map[int][]models.ControlType),
		replyCode: make(map[int]models.ResultCode),
	}
}

func (s *fakeSupervisor) Spawn(cfg supervisor.SpawnConfig) (supervisor.ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[cfg.Args[0]] {
		return supervisor.ProcessHandle{}, &supervisor.SpawnError{BinPath: cfg.BinPath, Err: errors.New("fork failed")}
	}
	s.nextPid++
	pid := s.nextPid
	s.spawned[pid] = cfg

	reqID, _ := strconv.ParseUint(cfg.KVArgs["req_queue_id"], 10, 32)
	pair, ok := s.queues.Lookup(uint32(reqID))
	if ok {
		go func() {
			_ = queue.Respond(s.ctx, pair, func(msg models.ControlMessage) models.ControlReply {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.received[pid] = append(s.received[pid], msg.Type)
				return models.ControlReply{Code: s.replyCode[pid]}
			})
		}()
	}
	return supervisor.NewHandle(pid, cfg.ProcessType, cfg.DeathSignal), nil
}

func (s *fakeSupervisor) Shutdown(pid int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = append(s.shutdown, pid)
	return nil
}

func (s *fakeSupervisor) RegisterExceptionCallback(pid int, fn func(models.ProcStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbacks[pid]; ok {
		return supervisor.ErrCallbackExists
	}
	s.callbacks[pid] = fn
	return nil
}

func (s *fakeSupervisor) UnregisterExceptionCallback(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, pid)
}

func (s *fakeSupervisor) deliver(pid int, status models.ProcStatus) {
	s.mu.Lock()
	fn := s.callbacks[pid]
	if status == models.ProcExited {
		delete(s.callbacks, pid)
	}
	s.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (s *fakeSupervisor) messages(pid int) []models.ControlType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ControlType(nil), s.received[pid]...)
}

func (s *fakeSupervisor) shutdowns() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.shutdown...)
}

type fakeLocator struct {
	offset int
}

func (l fakeLocator) LocateAicpu(_ context.Context, _ int32, workerPid int) (int, error) {
	return workerPid + l.offset, nil
}

type testEnv struct {
	sup     *fakeSupervisor
	groups  *memgroup.Local
	granter *gateway.LocalGranter
	deps    Deps
	cfg     Config
}

func newTestEnv(t *testing.T) *testEnv {
	queues := queue.NewMemoryFactory(0)
	sup := newFakeSupervisor(t, queues)
	groups := memgroup.NewLocal("test", []int32{0, 1, 5})
	granter := gateway.NewLocalGranter()
	return &testEnv{
		sup:     sup,
		groups:  groups,
		granter: granter,
		deps: Deps{
			Supervisor: sup,
			Queues:     queues,
			Groups:     groups,
			Granter:    granter,
		},
		cfg: Config{
			NodeID:          "node-1",
			DeviceType:      models.DeviceTypeCPU,
			BinPath:         "/opt/bin/worker",
			BaseDir:         "/opt",
			LibraryPath:     "/opt/lib64",
			LoadTimeout:     time.Second,
			UnloadTimeout:   time.Second,
			ResponseTimeout: time.Second,
		},
	}
}

func udfModel(root, id uint32, device int32, names ...string) models.LoadModelRequest {
	return models.LoadModelRequest{
		RootModelID:   root,
		ModelID:       id,
		ModelName:     "model-" + strconv.Itoa(int(id)),
		Kind:          models.ExecutorUDF,
		DeviceType:    models.DeviceTypeCPU,
		DeviceID:      device,
		InstanceNames: names,
	}
}
