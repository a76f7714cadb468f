package models

import "fmt"

type NodeID string

func (n NodeID) String() string {
	return string(n)
}

type DeviceType int32

const (
	DeviceTypeNPU DeviceType = iota
	DeviceTypeCPU
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTypeNPU:
		return "npu"
	case DeviceTypeCPU:
		return "cpu"
	}
	return fmt.Sprintf("device-type-%d", int32(d))
}

type ExecutorKind string

const (
	ExecutorBuiltin ExecutorKind = "builtin"
	ExecutorUDF     ExecutorKind = "udf"
	ExecutorProxy   ExecutorKind = "proxy"
)

// ExecutorKey identifies one running submodel instance within a node.
type ExecutorKey struct {
	RootModelID uint32
	DeviceType  DeviceType
	DeviceID    int32
	ProcessID   int
}

func (k ExecutorKey) String() string {
	return fmt.Sprintf("{root_model=%d, device=%s:%d, pid=%d}", k.RootModelID, k.DeviceType, k.DeviceID, k.ProcessID)
}

// LoadedInstance is what a handle reports back for every process it started for a model.
type LoadedInstance struct {
	Key           ExecutorKey
	InstanceNames []string
}
