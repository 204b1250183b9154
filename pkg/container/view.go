package container

import (
	"errors"
	"fmt"

	obsmetrics "github.com/WALL-EEEEEEE/aeron/pkg/observability/metrics"
	"github.com/WALL-EEEEEEE/aeron/pkg/role"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
)

// clusterView is the window the service sees during a callback. It runs on
// the dispatch goroutine with the container lock already held, so no further
// locking happens here. Mutating operations outside a callback are refused.
type clusterView struct {
	c *Container
}

var _ service.Cluster = (*clusterView)(nil)

func (c *Container) view() service.Cluster {
	return &clusterView{c: c}
}

// Time is the timestamp of the event being applied, identical on every
// replica.
func (v *clusterView) Time() int64 {
	return v.c.now
}

// LogPosition is the position of the event being applied.
func (v *clusterView) LogPosition() uint64 {
	return v.c.position
}

func (v *clusterView) Role() role.Role {
	return v.c.roles.Current()
}

func (v *clusterView) Session(id int64) (*session.Session, bool) {
	s, err := v.c.sessions.Lookup(id)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (v *clusterView) ForEachSession(fn func(*session.Session) bool) {
	v.c.sessions.ForEach(fn)
}

// ScheduleTimer registers a deterministic timer. Every replica executes the
// same call from the same callback, so the schedule needs no replication of
// its own.
func (v *clusterView) ScheduleTimer(correlationID, deadline int64) error {
	if !v.c.applying {
		return fmt.Errorf("%w: scheduleTimer(%d)", ErrOutsideCallback, correlationID)
	}
	if err := v.c.timers.Add(correlationID, deadline); err != nil {
		return err
	}
	v.c.feedback.TimerScheduled(correlationID, deadline)
	return nil
}

func (v *clusterView) CancelTimer(correlationID int64) error {
	if !v.c.applying {
		return fmt.Errorf("%w: cancelTimer(%d)", ErrOutsideCallback, correlationID)
	}
	if err := v.c.timers.Cancel(correlationID); err != nil {
		return err
	}
	v.c.feedback.TimerCancelled(correlationID)
	return nil
}

// Offer sends a reply toward the session's client. Replicas that do not
// terminate the client connection have no responder bound and drop the
// payload, which keeps replies exactly-once across the cluster.
func (v *clusterView) Offer(sessionID int64, payload []byte) error {
	if !v.c.applying {
		return fmt.Errorf("%w: offer to session %d", ErrOutsideCallback, sessionID)
	}
	s, err := v.c.sessions.Lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.Respond(payload); err != nil {
		if errors.Is(err, session.ErrNoResponder) {
			obsmetrics.SessionReplies.WithLabelValues("dropped").Inc()
			return nil
		}
		obsmetrics.SessionReplies.WithLabelValues("failed").Inc()
		return err
	}
	obsmetrics.SessionReplies.WithLabelValues("ok").Inc()
	return nil
}

// Idle yields the dispatch thread once. Long-running callbacks call this to
// keep the node responsive.
func (v *clusterView) Idle() {
	v.c.idle()
}
