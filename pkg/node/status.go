package node

import (
	"github.com/WALL-EEEEEEE/aeron/pkg/membership"
)

// ClusterStatus is a high-level, JSON-serializable snapshot of the node and
// its cluster view, suitable for status endpoints and tooling.
type ClusterStatus struct {
	// Healthy indicates whether a leader is known and the container accepts events.
	Healthy bool
	// Term is the current consensus term as observed by this node.
	Term uint64
	// LeaderID is the identifier of the current leader, if any.
	LeaderID string
	// LeaderAddr is the management address of the current leader, if known.
	LeaderAddr string
	// Members lists the membership view (gossip) including node IDs and addresses.
	Members []membership.MemberInfo
	// Role is the consensus role of this node.
	Role string
	// Position is the container's applied log position.
	Position uint64
	// Sessions is the number of live client sessions.
	Sessions int
	// PendingTimers is the number of armed timers.
	PendingTimers int
	// LastCheckpoint is the position covered by the newest checkpoint, 0 if none.
	LastCheckpoint uint64
	// Warnings contains any non-fatal observations (e.g., degraded states).
	Warnings []string
}
