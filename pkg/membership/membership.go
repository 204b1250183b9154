package membership

import (
	"context"
	"time"
)

// Well-known meta keys gossiped with each member. The node layer uses them to
// reconcile the consensus configuration and to route management calls.
const (
	MetaRaftAddr = "raftAddr"
	MetaMgmtAddr = "mgmtAddr"
)

// MemberInfo describes a cluster member as observed by the membership layer
// (e.g., memberlist). Meta carries auxiliary data such as the raft and
// management addresses.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

// RaftAddr returns the gossiped raft address, if present.
func (m MemberInfo) RaftAddr() string { return m.Meta[MetaRaftAddr] }

// MgmtAddr returns the gossiped management address, if present.
func (m MemberInfo) MgmtAddr() string { return m.Meta[MetaMgmtAddr] }

type EventType string

const (
	// EventJoin indicates a member joined or became visible.
	EventJoin EventType = "join"
	// EventLeave indicates a member left the cluster.
	EventLeave EventType = "leave"
	// EventFailed indicates membership marked the node as failed/unreachable.
	EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}
