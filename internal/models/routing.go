package models

// TargetInstance describes the physical destination behind one group candidate.
type TargetInstance struct {
	InstanceName  string     `json:"instance_name"`
	EndpointIndex int        `json:"endpoint_index"`
	Queue         QueueAttrs `json:"queue"`
}

// DynamicGroupRouteInfo is one candidate destination inside a group endpoint.
type DynamicGroupRouteInfo struct {
	Priority int32          `json:"priority"`
	Index    int32          `json:"index"`
	Target   TargetInstance `json:"target"`
	IsNormal bool           `json:"is_normal"`
}

type DstGroupInfo struct {
	OwnerEndpointIndex int                     `json:"owner_endpoint_index"`
	Policy             GroupPolicy             `json:"policy"`
	Routes             []DynamicGroupRouteInfo `json:"routes"`
}

type QueueKey struct {
	DeviceID   int32
	DeviceType DeviceType
	QueueID    uint32
}

type QueueStatus struct {
	Depth      uint32     `json:"depth"`
	DeviceID   int32      `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	QueueID    uint32     `json:"queue_id"`
}

func (s QueueStatus) Key() QueueKey {
	return QueueKey{DeviceID: s.DeviceID, DeviceType: s.DeviceType, QueueID: s.QueueID}
}

type ScheduleRequest struct {
	TransID    uint64 `json:"trans_id"`
	GroupIndex int    `json:"group_index"`
	Payload    []byte `json:"payload,omitempty"`
}

type ScheduleResponse struct {
	TransID    uint64                `json:"trans_id"`
	GroupIndex int                   `json:"group_index"`
	RouteIndex int                   `json:"route_index"`
	Route      DynamicGroupRouteInfo `json:"route"`
	Cached     bool                  `json:"cached"`
}
