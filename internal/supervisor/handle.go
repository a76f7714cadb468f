package supervisor

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

// ProcessHandle is an opaque reference to a supervised process. The status is
// shared with the supervisor, which is the only writer.
type ProcessHandle struct {
	pid         int
	kind        models.ProcessType
	deathSignal syscall.Signal
	status      *atomic.Int32
}

// NewHandle wraps a pid. Handles built outside the supervisor stay Normal.
func NewHandle(pid int, kind models.ProcessType, deathSignal syscall.Signal) ProcessHandle {
	status := &atomic.Int32{}
	status.Store(int32(models.ProcNormal))
	return ProcessHandle{
		pid:         pid,
		kind:        kind,
		deathSignal: deathSignal,
		status:      status,
	}
}

func (h ProcessHandle) Pid() int {
	return h.pid
}

func (h ProcessHandle) Kind() models.ProcessType {
	return h.kind
}

func (h ProcessHandle) DeathSignal() syscall.Signal {
	return h.deathSignal
}

func (h ProcessHandle) Valid() bool {
	return h.status != nil && h.pid > 0
}

func (h ProcessHandle) Status() models.ProcStatus {
	if !h.Valid() {
		return models.ProcInvalid
	}
	return models.ProcStatus(h.status.Load())
}

func (h ProcessHandle) setStatus(status models.ProcStatus) {
	h.status.Store(int32(status))
}

func (h ProcessHandle) String() string {
	return fmt.Sprintf("{pid=%d, kind=%s, status=%s}", h.pid, h.kind, h.Status())
}

// SpawnError means the worker process could not be created at all.
type SpawnError struct {
	BinPath string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.BinPath, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
