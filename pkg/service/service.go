package service

import (
	"github.com/WALL-EEEEEEE/aeron/pkg/role"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
	"github.com/WALL-EEEEEEE/aeron/pkg/snapshot"
)

// Cluster is the view of the container a service callback may interact with.
// All state mutation is mediated by the container: callbacks read sessions and
// request timer or reply side effects, but never mutate registry or schedule
// state directly. Handles obtained through Cluster are valid only for the
// duration of the callback that received control.
type Cluster interface {
	// Time returns the cluster timestamp of the event being applied.
	Time() int64

	// LogPosition returns the log position of the event being applied.
	LogPosition() uint64

	// Role returns the node's current consensus role.
	Role() role.Role

	// Session returns the live session with the given id, if any.
	Session(id int64) (*session.Session, bool)

	// ForEachSession visits live sessions in insertion order until fn
	// returns false.
	ForEachSession(fn func(*session.Session) bool)

	// ScheduleTimer schedules a timer that fires as a timer event once the
	// cluster clock passes deadline. The correlation id must not have a
	// pending entry; cancel first to reschedule.
	ScheduleTimer(correlationID, deadline int64) error

	// CancelTimer cancels a pending timer without firing it.
	CancelTimer(correlationID int64) error

	// Offer sends payload to the client behind the given session. On replicas
	// that do not terminate the client connection this is a no-op.
	Offer(sessionID int64, payload []byte) error

	// Idle yields control to the container so it can perform liveness
	// bookkeeping. Long-running work inside OnStart and OnTakeSnapshot must
	// call this periodically.
	Idle()
}

// Service is the application state machine hosted by the container. Exactly
// one implementation is injected per process; the container drives it with a
// strictly ordered, single-threaded event stream so that every replica's
// service state stays identical.
//
// An error returned from any callback other than OnTakeSnapshot is fatal to
// the node: continuing after a divergent callback would break replica
// determinism. A failed OnTakeSnapshot only discards the checkpoint.
type Service interface {
	// OnStart initializes the service. snap carries previously captured
	// service state, or is nil on a cold start. Long restores should call
	// Cluster.Idle periodically.
	OnStart(c Cluster, snap *snapshot.Reader) error

	// OnSessionOpen notifies that a client session was opened.
	OnSessionOpen(s *session.Session, timestamp int64) error

	// OnSessionClose notifies that a session closed. The session object is
	// still valid during the callback and deregistered afterwards.
	OnSessionClose(s *session.Session, timestamp int64, reason session.CloseReason) error

	// OnSessionMessage delivers a message. s is nil when the message
	// originated from a service rather than a client session.
	OnSessionMessage(s *session.Session, timestamp int64, payload []byte) error

	// OnTimerEvent notifies that a scheduled timer expired.
	OnTimerEvent(correlationID, timestamp int64) error

	// OnTakeSnapshot records service state to the scoped writer. Long
	// captures should call Cluster.Idle periodically; backpressure is
	// handled by the writer, never by an internal timeout.
	OnTakeSnapshot(w *snapshot.Writer) error

	// OnRoleChange notifies that the node assumed a new consensus role.
	// Fired at most once per actual change.
	OnRoleChange(newRole role.Role)

	// OnTerminate is the final callback before the container stops
	// accepting events.
	OnTerminate()
}
