package models

type ProcStatus int8

const (
	ProcNormal ProcStatus = iota
	ProcStopped
	ProcExited
	ProcInvalid
)

func (s ProcStatus) String() string {
	switch s {
	case ProcNormal:
		return "normal"
	case ProcStopped:
		return "stopped"
	case ProcExited:
		return "exited"
	}
	return "invalid"
}

type ProcessType string

const (
	ProcessTypeBuiltin     ProcessType = "builtin"
	ProcessTypeUDF         ProcessType = "udf"
	ProcessTypeQueueRouter ProcessType = "queue-router"
)

// ProcEvent is one observed status transition of a supervised process.
type ProcEvent struct {
	Pid    int
	Status ProcStatus
}
