package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/Sh00ty/flowdeploy/internal/metrics"
	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/notifyer"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	libraryPathEnv      = "LD_LIBRARY_PATH"
)

var ErrCallbackExists = errors.New("exception callback already registered")

type SpawnConfig struct {
	ProcessType models.ProcessType
	BinPath     string
	DeathSignal syscall.Signal
	Env         map[string]string
	// always exported to the worker, never inherited
	LibraryPath string
	// Args[0] is the process name seen by the worker
	Args     []string
	KVArgs   map[string]string
	UnsetEnv []string
}

type tracked struct {
	mu     sync.Mutex
	handle ProcessHandle
	done   chan struct{}
}

type Supervisor struct {
	procsGuard *sync.RWMutex
	procs      map[int]*tracked

	callbacksGuard *sync.Mutex
	callbacks      map[int]func(models.ProcStatus)

	notifier     *notifyer.ChanNotifyer
	runFlag      atomic.Bool
	pollInterval time.Duration
	wg           sync.WaitGroup
	watcherDone  chan struct{}

	metrics metrics.Metrics
	log     zerolog.Logger
}

func New(pollInterval time.Duration, m metrics.Metrics) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Supervisor{
		procsGuard:     &sync.RWMutex{},
		procs:          make(map[int]*tracked, 64),
		callbacksGuard: &sync.Mutex{},
		callbacks:      make(map[int]func(models.ProcStatus), 64),
		notifier:       notifyer.NewNotifier(),
		pollInterval:   pollInterval,
		watcherDone:    make(chan struct{}),
		metrics:        m,
		log:            log.With().Str("component", "supervisor").Logger(),
	}
}

// Start runs the watcher and the callback dispatcher. It must be called once.
func (s *Supervisor) Start() {
	s.runFlag.Store(true)
	go s.notifier.Run()

	s.wg.Add(2)
	go s.watch()
	go s.dispatch()
}

// Stop clears the run flag and joins the watcher and dispatcher goroutines.
// Supervised processes are left running.
func (s *Supervisor) Stop() {
	if !s.runFlag.CompareAndSwap(true, false) {
		return
	}
	<-s.watcherDone
	s.notifier.Close()
	s.wg.Wait()
	s.log.Info().Msg("supervisor stopped")
}

func (s *Supervisor) Spawn(cfg SpawnConfig) (ProcessHandle, error) {
	attr := &os.ProcAttr{
		Env:   buildEnv(cfg, os.Environ()),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   sysProcAttr(cfg.DeathSignal),
	}
	proc, err := os.StartProcess(cfg.BinPath, buildArgs(cfg), attr)
	if err != nil {
		s.metrics.Increment("process.spawn_failed")
		return ProcessHandle{}, &SpawnError{BinPath: cfg.BinPath, Err: err}
	}
	pid := proc.Pid
	// reaping is done by pid through wait4
	_ = proc.Release()

	handle := NewHandle(pid, cfg.ProcessType, cfg.DeathSignal)
	s.procsGuard.Lock()
	s.procs[pid] = &tracked{
		handle: handle,
		done:   make(chan struct{}),
	}
	s.procsGuard.Unlock()

	s.metrics.Increment("process.spawned")
	s.log.Info().Msgf("spawned %s process %s with pid %d", cfg.ProcessType, cfg.BinPath, pid)
	return handle, nil
}

// RegisterExceptionCallback sets the callback of pid. A pid that has already
// exited, or was reaped and forgotten, gets its exit delivered through the
// dispatcher right away.
func (s *Supervisor) RegisterExceptionCallback(pid int, fn func(models.ProcStatus)) error {
	s.callbacksGuard.Lock()
	defer s.callbacksGuard.Unlock()

	if _, exists := s.callbacks[pid]; exists {
		return fmt.Errorf("pid %d: %w", pid, ErrCallbackExists)
	}
	s.callbacks[pid] = fn

	// dispatch reads callbacks under the same guard, so an exit reaped after
	// this check finds fn and an earlier one is replayed here
	if s.Status(pid) == models.ProcExited || s.lookup(pid) == nil {
		s.log.Warn().Msgf("pid %d exited before its callback was registered", pid)
		s.notifier.NotifyProcStatusChanged(models.ProcEvent{Pid: pid, Status: models.ProcExited})
	}
	return nil
}

func (s *Supervisor) UnregisterExceptionCallback(pid int) {
	s.callbacksGuard.Lock()
	defer s.callbacksGuard.Unlock()

	delete(s.callbacks, pid)
}

func (s *Supervisor) Status(pid int) models.ProcStatus {
	t := s.lookup(pid)
	if t == nil {
		return models.ProcInvalid
	}
	return t.handle.Status()
}

// Shutdown terminates pid gracefully and escalates to SIGKILL after timeout.
// It returns only after the process has been reaped.
func (s *Supervisor) Shutdown(pid int, timeout time.Duration) error {
	t := s.lookup(pid)
	if t == nil || t.handle.Status() == models.ProcExited {
		s.log.Debug().Msgf("shutdown of pid %d: already gone", pid)
		s.forget(pid)
		return nil
	}

	err := unix.Kill(pid, unix.SIGTERM)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send SIGTERM to pid %d: %w", pid, err)
	}
	if s.waitExit(t, timeout) {
		s.forget(pid)
		return nil
	}

	s.log.Warn().Msgf("pid %d is still alive after %s, sending SIGKILL", pid, timeout)
	s.metrics.Increment("process.force_killed")
	err = unix.Kill(pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send SIGKILL to pid %d: %w", pid, err)
	}
	s.waitExit(t, -1)
	s.forget(pid)
	return nil
}

// waitExit waits for the watcher to observe the exit. A negative timeout waits forever.
func (s *Supervisor) waitExit(t *tracked, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if !s.runFlag.Load() {
			// nobody else reaps once the watcher is gone
			s.reap(t)
		}
		select {
		case <-t.done:
			return true
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) watch() {
	defer s.wg.Done()
	defer close(s.watcherDone)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for s.runFlag.Load() {
		for _, t := range s.snapshot() {
			s.reap(t)
		}
		<-ticker.C
	}
}

// reap is the single place where a process status transitions.
func (s *Supervisor) reap(t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.handle.Status()
	if current == models.ProcExited {
		return
	}
	var (
		ws   unix.WaitStatus
		next models.ProcStatus
	)
	wpid, err := unix.Wait4(t.handle.pid, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
	switch {
	case errors.Is(err, unix.ECHILD):
		next = models.ProcExited
	case err != nil:
		if !errors.Is(err, unix.EINTR) {
			s.log.Error().Err(err).Msgf("wait4 failed for pid %d", t.handle.pid)
		}
		return
	case wpid == 0:
		return
	case ws.Exited() || ws.Signaled():
		next = models.ProcExited
	case ws.Stopped():
		next = models.ProcStopped
	case ws.Continued():
		next = models.ProcNormal
	default:
		return
	}
	if next == current {
		return
	}
	t.handle.setStatus(next)
	if next == models.ProcExited {
		close(t.done)
		s.metrics.Increment("process.exited")
		s.log.Warn().Msgf("process %s exited: exit_status=%d signaled=%t", t.handle, ws.ExitStatus(), ws.Signaled())
	} else {
		s.log.Info().Msgf("process %s changed status", t.handle)
	}
	s.notifier.NotifyProcStatusChanged(models.ProcEvent{Pid: t.handle.pid, Status: next})
}

func (s *Supervisor) dispatch() {
	defer s.wg.Done()

	for event := range s.notifier.GetEventChan() {
		s.callbacksGuard.Lock()
		fn, exists := s.callbacks[event.Pid]
		if event.Status == models.ProcExited {
			delete(s.callbacks, event.Pid)
		}
		s.callbacksGuard.Unlock()

		if event.Status == models.ProcExited {
			s.forget(event.Pid)
		}
		if !exists {
			s.log.Debug().Msgf("no exception callback for pid %d, status %s", event.Pid, event.Status)
			continue
		}
		fn(event.Status)
	}
}

func (s *Supervisor) lookup(pid int) *tracked {
	s.procsGuard.RLock()
	defer s.procsGuard.RUnlock()
	return s.procs[pid]
}

func (s *Supervisor) forget(pid int) {
	s.procsGuard.Lock()
	defer s.procsGuard.Unlock()
	t, exists := s.procs[pid]
	if exists && t.handle.Status() == models.ProcExited {
		delete(s.procs, pid)
	}
}

func (s *Supervisor) snapshot() []*tracked {
	s.procsGuard.RLock()
	defer s.procsGuard.RUnlock()

	result := make([]*tracked, 0, len(s.procs))
	for _, t := range s.procs {
		result = append(result, t)
	}
	return result
}

func buildEnv(cfg SpawnConfig, inherited []string) []string {
	drop := make(map[string]struct{}, len(cfg.UnsetEnv)+len(cfg.Env)+1)
	for _, name := range cfg.UnsetEnv {
		drop[name] = struct{}{}
	}
	for name := range cfg.Env {
		drop[name] = struct{}{}
	}
	drop[libraryPathEnv] = struct{}{}

	env := make([]string, 0, len(inherited)+len(cfg.Env)+1)
	for _, kv := range inherited {
		name, _, _ := strings.Cut(kv, "=")
		if _, skip := drop[name]; skip {
			continue
		}
		env = append(env, kv)
	}
	for _, name := range sortedKeys(cfg.Env) {
		env = append(env, name+"="+cfg.Env[name])
	}
	return append(env, libraryPathEnv+"="+cfg.LibraryPath)
}

func buildArgs(cfg SpawnConfig) []string {
	argv := make([]string, 0, len(cfg.Args)+len(cfg.KVArgs)+1)
	if len(cfg.Args) == 0 {
		argv = append(argv, filepath.Base(cfg.BinPath))
	}
	argv = append(argv, cfg.Args...)
	for _, name := range sortedKeys(cfg.KVArgs) {
		argv = append(argv, fmt.Sprintf("--%s=%s", strings.TrimLeft(name, "-"), cfg.KVArgs[name]))
	}
	return argv
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
