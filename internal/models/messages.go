package models

import (
	"encoding/json"
	"time"
)

// ResultCode is an opaque platform code; only Success is interpreted.
type ResultCode int32

const (
	Success ResultCode = 0
	Failed  ResultCode = 1
)

func (c ResultCode) IsSuccess() bool {
	return c == Success
}

type Response struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

type LoadModelRequest struct {
	RootModelID    uint32       `json:"root_model_id"`
	ModelID        uint32       `json:"model_id"`
	ModelName      string       `json:"model_name"`
	ModelPath      string       `json:"model_path"`
	Kind           ExecutorKind `json:"kind"`
	DeviceType     DeviceType   `json:"device_type"`
	DeviceID       int32        `json:"device_id"`
	PhyDeviceID    int32        `json:"phy_device_id"`
	InstanceNames  []string     `json:"instance_names"`
	NeedStartAicpu bool         `json:"need_start_aicpu"`
	// devices whose queues this instance's routing depends on
	DependentDeviceIDs []int32        `json:"dependent_device_ids,omitempty"`
	Endpoints          []Endpoint     `json:"endpoints,omitempty"`
	Routes             []Route        `json:"routes,omitempty"`
	DstGroups          []DstGroupInfo `json:"dst_groups,omitempty"`
}

type BatchLoadModelRequest struct {
	RootModelID uint32             `json:"root_model_id"`
	RankTable   string             `json:"rank_table,omitempty"`
	RankID      int32              `json:"rank_id"`
	Models      []LoadModelRequest `json:"models"`
}

type UnloadModelRequest struct {
	ModelID uint32 `json:"model_id"`
}

type ClearType int32

const (
	ClearStop  ClearType = 1
	ClearClean ClearType = 2
)

type ClearModelRequest struct {
	ModelID   uint32    `json:"model_id"`
	ClearType ClearType `json:"clear_type"`
	// instances depending on these devices are invalidated before the broadcast
	RelatedDeviceIDs []int32 `json:"related_device_ids,omitempty"`
}

type UpdateProfRequest struct {
	ModelID  uint32 `json:"model_id"`
	IsStart  bool   `json:"is_start"`
	ProfData string `json:"prof_data,omitempty"`
}

type ExceptionNotifyRequest struct {
	RootModelID   uint32 `json:"root_model_id"`
	TransID       uint64 `json:"trans_id"`
	Scope         int32  `json:"scope"`
	UserContextID uint64 `json:"user_context_id"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	Code                         ResultCode                 `json:"code"`
	Message                      string                     `json:"message,omitempty"`
	AbnormalSubmodelInstanceName map[uint32]map[string]bool `json:"abnormal_submodel_instance_name"`
}

type SyncVarManagerRequest struct {
	DeviceID int32  `json:"device_id"`
	VarInfo  []byte `json:"var_info,omitempty"`
}

type BindQueuesRequest struct {
	Endpoints []Endpoint `json:"endpoints"`
	Routes    []Route    `json:"routes"`
}

type UpdateExceptionRoutesRequest struct {
	RootModelID uint32     `json:"root_model_id"`
	Endpoints   []Endpoint `json:"endpoints"`
	Routes      []Route    `json:"routes"`
}

type AckRedeployRequest struct {
	// zero acknowledges every root model
	RootModelID uint32 `json:"root_model_id"`
}

// ControlType is the kind of a message exchanged with a worker over its control queue.
type ControlType string

const (
	ControlInit       ControlType = "init"
	ControlLoad       ControlType = "load"
	ControlUnload     ControlType = "unload"
	ControlClear      ControlType = "clear"
	ControlNotify     ControlType = "exception-notify"
	ControlProf       ControlType = "update-prof"
	ControlSyncVar    ControlType = "sync-var-manager"
	ControlWake       ControlType = "wake"
	ControlBind       ControlType = "bind-routes"
	ControlUnbind     ControlType = "unbind-routes"
	ControlGroupNew   ControlType = "create-group"
	ControlGroupDrop  ControlType = "destroy-group"
	ControlSchedule   ControlType = "schedule"
	ControlStatusInfo ControlType = "queue-status"
)

type ControlMessage struct {
	ID      string          `json:"id"`
	Type    ControlType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ControlReply struct {
	ID      string          `json:"id"`
	Code    ResultCode      `json:"code"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AbnormalEventType string

const (
	AbnormalInstanceDetected AbnormalEventType = "abnormal-instance"
	RedeployRequested        AbnormalEventType = "redeploy-requested"
)

// AbnormalEvent is an edge-triggered notification about a newly abnormal instance.
type AbnormalEvent struct {
	Type         AbnormalEventType `json:"type"`
	NodeID       NodeID            `json:"node_id"`
	RootModelID  uint32            `json:"root_model_id"`
	InstanceName string            `json:"instance_name,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	DetectedAt   time.Time         `json:"detected_at"`
}
