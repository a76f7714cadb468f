package models

type MemberShipEventType int8

const (
	MemberShipUnknown MemberShipEventType = iota
	MemberShipNew
	MemberShipUpdating
	MemberShipSuspect
	MemberShipDead
)

func (t MemberShipEventType) String() string {
	switch t {
	case MemberShipNew:
		return "new"
	case MemberShipUpdating:
		return "updating"
	case MemberShipSuspect:
		return "suspect"
	case MemberShipDead:
		return "dead"
	}
	return "unknown"
}

// MemberShipEvent carries the devices a peer advertised in its gossip meta.
type MemberShipEvent struct {
	Type      MemberShipEventType
	From      NodeID
	DeviceIDs []int32
}
