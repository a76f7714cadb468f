package models

import "fmt"

type EndpointType int8

const (
	EndpointQueue EndpointType = iota + 1
	EndpointExternalQueue
	EndpointTag
	EndpointGroup
	EndpointRefQueue
)

func (t EndpointType) String() string {
	switch t {
	case EndpointQueue:
		return "queue"
	case EndpointExternalQueue:
		return "external-queue"
	case EndpointTag:
		return "tag"
	case EndpointGroup:
		return "group"
	case EndpointRefQueue:
		return "ref-queue"
	}
	return "unknown"
}

type GroupPolicy string

const (
	GroupPolicyHash    GroupPolicy = "hash"
	GroupPolicyDynamic GroupPolicy = "dynamic"
)

type QueueAttrs struct {
	DeviceID   int32      `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	QueueID    uint32     `json:"queue_id"`
}

type TagAttrs struct {
	CommHandle uint64 `json:"comm_handle"`
	LocalRank  int32  `json:"local_rank"`
	PeerRank   int32  `json:"peer_rank"`
	LocalTagID int32  `json:"local_tag_id"`
	PeerTagID  int32  `json:"peer_tag_id"`
}

type GroupAttrs struct {
	DeviceID   int32       `json:"device_id"`
	DeviceType DeviceType  `json:"device_type"`
	GroupID    uint32      `json:"group_id"`
	Members    []int       `json:"members"`
	Policy     GroupPolicy `json:"policy"`
}

// Endpoint is a named communication point. Only one of Queue, Tag, Group is set,
// depending on Type. RefQueue endpoints point to another endpoint by RefIndex.
type Endpoint struct {
	Name     string       `json:"name"`
	Type     EndpointType `json:"type"`
	Deleted  bool         `json:"deleted"`
	Queue    *QueueAttrs  `json:"queue,omitempty"`
	Tag      *TagAttrs    `json:"tag,omitempty"`
	Group    *GroupAttrs  `json:"group,omitempty"`
	RefIndex int          `json:"ref_index,omitempty"`
}

func (e Endpoint) IsQueue() bool {
	return e.Type == EndpointQueue || e.Type == EndpointExternalQueue
}

func (e Endpoint) IsGroup() bool {
	return e.Type == EndpointGroup && e.Group != nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("{name=%s, type=%s, deleted=%t}", e.Name, e.Type, e.Deleted)
}

// Route is a directed pair of endpoint indices.
type Route struct {
	Src int `json:"src"`
	Dst int `json:"dst"`
}

func (r Route) String() string {
	return fmt.Sprintf("%d->%d", r.Src, r.Dst)
}
