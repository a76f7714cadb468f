package gateway

import (
	"fmt"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

// GrantError means a queue permission could not be assigned to a pid. The
// process is left running.
type GrantError struct {
	Pid   int
	Queue models.QueueAttrs
	Err   error
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("failed to grant queue %d on device %s:%d to pid %d: %v",
		e.Queue.QueueID, e.Queue.DeviceType, e.Queue.DeviceID, e.Pid, e.Err)
}

func (e *GrantError) Unwrap() error {
	return e.Err
}

type RebuildStage string

const (
	StageDestroy RebuildStage = "destroy"
	StageCreate  RebuildStage = "create"
)

// RouteRebuildError is a partial group rebuild. After a failed create the
// owning endpoint has no valid group.
type RouteRebuildError struct {
	Endpoint string
	GroupID  uint32
	Stage    RebuildStage
	Err      error
}

func (e *RouteRebuildError) Error() string {
	return fmt.Sprintf("group %d of endpoint %s: rebuild failed on %s: %v", e.GroupID, e.Endpoint, e.Stage, e.Err)
}

func (e *RouteRebuildError) Unwrap() error {
	return e.Err
}
