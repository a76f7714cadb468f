package memgroup

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNoGroup = errors.New("no memory group for device")

// Registry makes a forked worker a member of the shared memory group that owns
// the buffer pool of its device.
type Registry interface {
	AddProcess(group string, pid int) error
	GroupName(deviceID int32) (string, error)
}

// Local keeps group membership in process. Group names are derived from the
// node prefix and device id.
type Local struct {
	prefix string

	mu      sync.Mutex
	devices map[int32]string
	members map[string][]int
}

func NewLocal(prefix string, deviceIDs []int32) *Local {
	r := &Local{
		prefix:  prefix,
		devices: make(map[int32]string, len(deviceIDs)),
		members: make(map[string][]int, len(deviceIDs)),
	}
	for _, id := range deviceIDs {
		r.devices[id] = fmt.Sprintf("%s_dev%d", prefix, id)
	}
	return r
}

func (r *Local) GroupName(deviceID int32) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.devices[deviceID]
	if !ok {
		return "", fmt.Errorf("device %d: %w", deviceID, ErrNoGroup)
	}
	return name, nil
}

func (r *Local) AddProcess(group string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known(group) {
		return fmt.Errorf("group %s: %w", group, ErrNoGroup)
	}
	if slices.Contains(r.members[group], pid) {
		return nil
	}
	r.members[group] = append(r.members[group], pid)
	log.Debug().Msgf("pid %d joined memory group %s", pid, group)
	return nil
}

func (r *Local) Members(group string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members[group])
}

func (r *Local) known(group string) bool {
	for _, name := range r.devices {
		if name == group {
			return true
		}
	}
	return false
}
