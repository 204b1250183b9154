package container

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	obsmetrics "github.com/WALL-EEEEEEE/aeron/pkg/observability/metrics"
	"github.com/WALL-EEEEEEE/aeron/pkg/role"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
	"github.com/WALL-EEEEEEE/aeron/pkg/snapshot"
	"github.com/WALL-EEEEEEE/aeron/pkg/timer"
)

// Container hosts one application service between the consensus engine and
// its clients. It consumes the ordered event feed, keeps session, timer and
// role bookkeeping as side effects, and invokes the service callbacks, with
// one event applied to completion before the next is accepted.
//
// Dispatch serializes callers with a mutex, so the feed may arrive from more
// than one goroutine (log apply, leadership observer, shutdown) while the
// service still observes a single logical thread of control. Dispatch must
// not be re-entered from inside a callback.
type Container struct {
	mu   sync.Mutex
	opts Options
	log  *log.Logger

	svc      service.Service
	sessions *session.Registry
	timers   *timer.Schedule
	roles    *role.Machine
	feedback engine.Feedback

	started    bool
	terminated bool
	failed     bool
	applying   bool

	position uint64
	now      int64
	lastChk  *snapshot.Checkpoint
}

// New constructs a container from validated options. No events are accepted
// until the engine dispatches the start event.
func New(opts Options) (*Container, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Feedback == nil {
		opts.Feedback = engine.NopFeedback{}
	}
	return &Container{
		opts:     opts,
		log:      opts.Logger,
		svc:      opts.Service,
		sessions: session.NewRegistry(),
		timers:   timer.NewSchedule(),
		roles:    role.NewMachine(),
		feedback: opts.Feedback,
	}, nil
}

// SetFeedback replaces the feedback sink. Must be called before the start
// event is dispatched; engines use it to close the construction cycle between
// engine and container.
func (c *Container) SetFeedback(f engine.Feedback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f != nil {
		c.feedback = f
	}
}

// Dispatch applies the next ordered event and returns only once the event,
// including any nested service callback, has completed. A non-nil error is
// fatal to the node: the container has entered its failed state and refuses
// all further events.
func (c *Container) Dispatch(ev engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		obsmetrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	}()

	if c.failed {
		return fmt.Errorf("%w: dispatch after prior fatal error", ErrProtocolViolation)
	}
	if c.terminated {
		return c.violation(fmt.Errorf("%w: %w: event %s after terminate", ErrProtocolViolation, ErrTerminated, ev.Kind))
	}
	if !c.started && ev.Kind != engine.KindStart {
		return c.violation(fmt.Errorf("%w: %w: event %s before start", ErrProtocolViolation, ErrNotStarted, ev.Kind))
	}

	if ev.Position > 0 {
		c.position = ev.Position
	}
	if ev.Timestamp > 0 {
		c.now = ev.Timestamp
	}

	c.applying = true
	defer func() { c.applying = false }()

	var err error
	switch ev.Kind {
	case engine.KindStart:
		err = c.applyStart(ev)
	case engine.KindSessionOpen:
		err = c.applySessionOpen(ev)
	case engine.KindSessionClose:
		err = c.applySessionClose(ev)
	case engine.KindSessionMessage:
		err = c.applySessionMessage(ev)
	case engine.KindTimerExpiry:
		err = c.applyTimerExpiry(ev)
	case engine.KindTakeSnapshot:
		err = c.applyTakeSnapshot(ev)
	case engine.KindRoleChange:
		err = c.applyRoleChange(ev)
	case engine.KindTerminate:
		err = c.applyTerminate(ev)
	default:
		err = c.violation(fmt.Errorf("%w: unknown event kind %d", ErrProtocolViolation, ev.Kind))
	}
	if err == nil {
		obsmetrics.EventsApplied.WithLabelValues(ev.Kind.String()).Inc()
		obsmetrics.SessionsOpen.Set(float64(c.sessions.Len()))
		obsmetrics.TimersPending.Set(float64(c.timers.Len()))
	}
	return err
}

func (c *Container) applyStart(ev engine.Event) error {
	if c.started {
		return c.violation(fmt.Errorf("%w: duplicate start", ErrProtocolViolation))
	}
	run := func(rd *snapshot.Reader) error {
		return c.svc.OnStart(c.view(), rd)
	}
	var err error
	if chk := ev.Checkpoint; chk != nil {
		if err := c.sessions.Restore(chk.Registry); err != nil {
			return c.fatal(fmt.Errorf("container: restore sessions: %w", err))
		}
		if err := c.timers.Restore(chk.Timers); err != nil {
			return c.fatal(fmt.Errorf("container: restore timers: %w", err))
		}
		if c.position < chk.Position {
			c.position = chk.Position
		}
		err = snapshot.Open(chk, c.idle, run)
	} else {
		err = run(nil)
	}
	if err != nil {
		return c.fatal(fmt.Errorf("container: onStart: %w", err))
	}
	c.started = true
	return nil
}

func (c *Container) applySessionOpen(ev engine.Event) error {
	s, err := c.sessions.Open(ev.SessionID, ev.Timestamp)
	if err != nil {
		return c.violation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
	}
	if err := c.svc.OnSessionOpen(s, ev.Timestamp); err != nil {
		return c.fatal(fmt.Errorf("container: onSessionOpen: %w", err))
	}
	return nil
}

func (c *Container) applySessionClose(ev engine.Event) error {
	s, err := c.sessions.Closing(ev.SessionID, ev.Reason)
	if err != nil {
		return c.violation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
	}
	cbErr := c.svc.OnSessionClose(s, ev.Timestamp, ev.Reason)
	// Deregister after the callback so it observed a valid session; the id
	// is gone for good either way.
	_ = c.sessions.Remove(ev.SessionID)
	if cbErr != nil {
		return c.fatal(fmt.Errorf("container: onSessionClose: %w", cbErr))
	}
	return nil
}

func (c *Container) applySessionMessage(ev engine.Event) error {
	var s *session.Session
	if ev.SessionID != 0 {
		var err error
		s, err = c.sessions.Lookup(ev.SessionID)
		if err != nil {
			return c.violation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		}
	}
	if err := c.svc.OnSessionMessage(s, ev.Timestamp, ev.Payload); err != nil {
		return c.fatal(fmt.Errorf("container: onSessionMessage: %w", err))
	}
	return nil
}

func (c *Container) applyTimerExpiry(ev engine.Event) error {
	fired := false
	for e := range c.timers.Expired(ev.Timestamp) {
		if e.CorrelationID == ev.CorrelationID {
			fired = true
		}
		if err := c.svc.OnTimerEvent(e.CorrelationID, ev.Timestamp); err != nil {
			return c.fatal(fmt.Errorf("container: onTimerEvent: %w", err))
		}
	}
	if ev.CorrelationID != 0 && !fired {
		return c.violation(fmt.Errorf("%w: %w", ErrProtocolViolation,
			fmt.Errorf("%w: expiry for %d", timer.ErrUnknownTimer, ev.CorrelationID)))
	}
	return nil
}

func (c *Container) applyTakeSnapshot(ev engine.Event) error {
	pos := c.position
	if ev.Position > 0 {
		pos = ev.Position
	}
	regBlob, err := c.sessions.Snapshot()
	if err != nil {
		return c.fatal(fmt.Errorf("container: snapshot sessions: %w", err))
	}
	timBlob, err := c.timers.Snapshot()
	if err != nil {
		return c.fatal(fmt.Errorf("container: snapshot timers: %w", err))
	}
	chk, err := snapshot.Capture(pos, regBlob, timBlob, c.idle, func(w *snapshot.Writer) error {
		return c.svc.OnTakeSnapshot(w)
	})
	if err != nil {
		// A failed capture discards the checkpoint; the log remains the
		// recovery source, so the node carries on.
		logutil.Warnf(c.log, "snapshot at position %d discarded: %v", pos, err)
		obsmetrics.Snapshots.WithLabelValues("failed").Inc()
		return nil
	}
	c.lastChk = chk
	obsmetrics.Snapshots.WithLabelValues("ok").Inc()
	obsmetrics.SnapshotBytes.Set(float64(len(chk.Registry) + len(chk.Timers) + len(chk.State)))
	logutil.Infof(c.log, "checkpoint captured: position=%d state=%dB sessions=%d timers=%d",
		pos, len(chk.State), c.sessions.Len(), c.timers.Len())
	c.feedback.CheckpointTaken(pos)
	return nil
}

func (c *Container) applyRoleChange(ev engine.Event) error {
	if !ev.Role.IsValid() {
		return c.violation(fmt.Errorf("%w: invalid role %d", ErrProtocolViolation, ev.Role))
	}
	if c.roles.Transition(ev.Role) {
		obsmetrics.Role.Set(float64(ev.Role))
		logutil.Infof(c.log, "role change: %s", ev.Role)
		c.svc.OnRoleChange(ev.Role)
	}
	return nil
}

func (c *Container) applyTerminate(engine.Event) error {
	c.svc.OnTerminate()
	c.terminated = true
	logutil.Infof(c.log, "container terminated at position %d", c.position)
	return nil
}

// violation records a fatal protocol violation and poisons the container.
func (c *Container) violation(err error) error {
	c.failed = true
	obsmetrics.ProtocolViolations.Inc()
	logutil.Errorf(c.log, "%v", err)
	return err
}

// fatal poisons the container for non-violation fatal conditions (failed
// callbacks, corrupt restore data).
func (c *Container) fatal(err error) error {
	c.failed = true
	logutil.Errorf(c.log, "%v", err)
	return err
}

func (c *Container) idle() {
	if c.opts.IdleHook != nil {
		c.opts.IdleHook()
		return
	}
	runtime.Gosched()
}

// Reset returns the container to the uninitialized state so an engine can
// re-seed it from a newly installed checkpoint. The checkpoint replaces every
// piece of state a prior failure poisoned, so the failed flag clears with the
// rest. Only engines call this, and only while no event is being applied.
func (c *Container) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = session.NewRegistry()
	c.timers = timer.NewSchedule()
	c.started = false
	c.terminated = false
	c.failed = false
	c.position = 0
	c.now = 0
	c.lastChk = nil
}

// Checkpoint returns the most recently captured checkpoint, if any.
func (c *Container) Checkpoint() *snapshot.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChk
}

// NextTimerDeadline returns the earliest pending timer deadline. Engines use
// it to decide when to propose an expiry tick.
func (c *Container) NextTimerDeadline() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.NextDeadline()
}

// BindResponder attaches a reply channel to a live session. This is
// transport-plane bookkeeping on the node that terminates the client
// connection; it is not a replicated state change.
func (c *Container) BindResponder(sessionID int64, rp session.Responder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.Bind(sessionID, rp)
}

// Stats is a point-in-time summary for status endpoints.
type Stats struct {
	Started        bool
	Terminated     bool
	Failed         bool
	Role           role.Role
	Position       uint64
	Sessions       int
	PendingTimers  int
	LastCheckpoint uint64
}

// Stats synthesizes a summary of the container state.
func (c *Container) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Started:       c.started,
		Terminated:    c.terminated,
		Failed:        c.failed,
		Role:          c.roles.Current(),
		Position:      c.position,
		Sessions:      c.sessions.Len(),
		PendingTimers: c.timers.Len(),
	}
	if c.lastChk != nil {
		st.LastCheckpoint = c.lastChk.Position
	}
	return st
}
