package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/WALL-EEEEEEE/aeron/pkg/role"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
	"github.com/WALL-EEEEEEE/aeron/pkg/snapshot"
)

// Kind identifies one of the event kinds the consensus engine delivers to the
// container.
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindSessionOpen
	KindSessionClose
	KindSessionMessage
	KindTimerExpiry
	KindTakeSnapshot
	KindRoleChange
	KindTerminate
)

var kindNames = map[Kind]string{
	KindStart:          "start",
	KindSessionOpen:    "session_open",
	KindSessionClose:   "session_close",
	KindSessionMessage: "session_message",
	KindTimerExpiry:    "timer_expiry",
	KindTakeSnapshot:   "take_snapshot",
	KindRoleChange:     "role_change",
	KindTerminate:      "terminate",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText keeps replicated log entries readable when JSON-encoded.
func (k Kind) MarshalText() ([]byte, error) {
	if s, ok := kindNames[k]; ok {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("engine: unknown event kind %d", uint8(k))
}

// Replicable reports whether events of this kind may travel through the
// replicated log. Start, role changes and terminate are local to each replica,
// and snapshots ride the engine's snapshot path instead of the log.
func (k Kind) Replicable() bool {
	switch k {
	case KindSessionOpen, KindSessionClose, KindSessionMessage, KindTimerExpiry:
		return true
	}
	return false
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("engine: unknown event kind %q", b)
}

// Event is one entry of the ordered event feed. Only the fields relevant to
// the kind are populated. Position is the logical log position assigned by
// the engine; Timestamp is the cluster-wide timestamp, fixed by the proposer
// so every replica observes the same value.
type Event struct {
	Kind          Kind                 `json:"kind"`
	Position      uint64               `json:"position,omitempty"`
	Timestamp     int64                `json:"timestamp,omitempty"`
	SessionID     int64                `json:"sessionId,omitempty"`
	Reason        session.CloseReason  `json:"reason,omitempty"`
	CorrelationID int64                `json:"correlationId,omitempty"`
	Deadline      int64                `json:"deadline,omitempty"`
	Role          role.Role            `json:"role,omitempty"`
	Payload       []byte               `json:"payload,omitempty"`
	Checkpoint    *snapshot.Checkpoint `json:"-"`
}

// Engine is the minimal abstraction over the consensus/log-replication layer.
// A started engine pushes committed events into the container it was built
// around; Propose is the leader-side write path for new events.
type Engine interface {
	Start(ctx context.Context) error
	Propose(ev Event, timeout time.Duration) error
	IsLeader() bool
	Leader() (id string, addr string, ok bool)
	Term() uint64
	// TakeSnapshot asks the engine to checkpoint the container at the
	// current log position and returns that position.
	TakeSnapshot() (uint64, error)
	Stop() error
}

// Reconfigurer is an optional interface an engine may provide for dynamic
// cluster membership changes.
type Reconfigurer interface {
	AddVoter(id, addr string, timeout time.Duration) error
	RemoveServer(id string, timeout time.Duration) error
}

// LeaderInfo describes an observed leader.
type LeaderInfo struct {
	ID   string
	Addr string
	Term uint64
}

// LeaderNotifier is an optional interface exposing leadership change events.
type LeaderNotifier interface {
	LeaderCh() <-chan LeaderInfo
}

// Feedback receives the container's outbound requests so they can be folded
// back into the replicated machinery: timer bookkeeping for the expiry clock
// and checkpoint completion notices the engine records before truncating its
// log.
type Feedback interface {
	TimerScheduled(correlationID, deadline int64)
	TimerCancelled(correlationID int64)
	CheckpointTaken(position uint64)
}

// NopFeedback discards all notifications; useful for tests and for driving a
// container without a live engine.
type NopFeedback struct{}

func (NopFeedback) TimerScheduled(int64, int64) {}
func (NopFeedback) TimerCancelled(int64)        {}
func (NopFeedback) CheckpointTaken(uint64)      {}
