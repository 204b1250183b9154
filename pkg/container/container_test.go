package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/role"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
	"github.com/WALL-EEEEEEE/aeron/pkg/snapshot"
)

// recorder traces every callback invocation so tests can assert on exact
// ordering.
type recorder struct {
	trace    []string
	cluster  service.Cluster
	restored []byte
	state    []byte

	startErr  error
	snapErr   error
	onMessage func(c service.Cluster, s *session.Session, ts int64, payload []byte) error
	onTimer   func(c service.Cluster, correlationID, ts int64) error
}

func (r *recorder) OnStart(c service.Cluster, rd *snapshot.Reader) error {
	r.cluster = c
	if rd != nil {
		buf, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		r.restored = buf
		r.trace = append(r.trace, fmt.Sprintf("start(restore %dB)", len(buf)))
	} else {
		r.trace = append(r.trace, "start(cold)")
	}
	return r.startErr
}

func (r *recorder) OnSessionOpen(s *session.Session, ts int64) error {
	r.trace = append(r.trace, fmt.Sprintf("open(%d@%d)", s.ID(), ts))
	return nil
}

func (r *recorder) OnSessionClose(s *session.Session, ts int64, reason session.CloseReason) error {
	r.trace = append(r.trace, fmt.Sprintf("close(%d,%s)", s.ID(), reason))
	return nil
}

func (r *recorder) OnSessionMessage(s *session.Session, ts int64, payload []byte) error {
	id := int64(0)
	if s != nil {
		id = s.ID()
	}
	r.trace = append(r.trace, fmt.Sprintf("msg(%d,%q)", id, payload))
	if r.onMessage != nil {
		return r.onMessage(r.cluster, s, ts, payload)
	}
	return nil
}

func (r *recorder) OnTimerEvent(correlationID, ts int64) error {
	r.trace = append(r.trace, fmt.Sprintf("timer(%d@%d)", correlationID, ts))
	if r.onTimer != nil {
		return r.onTimer(r.cluster, correlationID, ts)
	}
	return nil
}

func (r *recorder) OnTakeSnapshot(w *snapshot.Writer) error {
	if r.snapErr != nil {
		return r.snapErr
	}
	if _, err := w.Write(r.state); err != nil {
		return err
	}
	r.trace = append(r.trace, fmt.Sprintf("snapshot(%dB)", len(r.state)))
	return nil
}

func (r *recorder) OnRoleChange(newRole role.Role) {
	r.trace = append(r.trace, fmt.Sprintf("role(%s)", newRole))
}

func (r *recorder) OnTerminate() {
	r.trace = append(r.trace, "terminate")
}

func newTestContainer(t *testing.T, svc service.Service) *Container {
	t.Helper()
	c, err := New(Options{
		Service: svc,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func dispatch(t *testing.T, c *Container, ev engine.Event) {
	t.Helper()
	if err := c.Dispatch(ev); err != nil {
		t.Fatalf("dispatch %s: %v", ev.Kind, err)
	}
}

func TestContainerLifecycle(t *testing.T) {
	rec := &recorder{state: []byte("app-state")}
	rec.onMessage = func(c service.Cluster, s *session.Session, ts int64, payload []byte) error {
		if string(payload) == "ping" {
			if err := c.ScheduleTimer(9, ts+5); err != nil {
				return err
			}
			return c.Offer(s.ID(), []byte("pong"))
		}
		return nil
	}
	c := newTestContainer(t, rec)

	dispatch(t, c, engine.Event{Kind: engine.KindStart, Position: 1, Timestamp: 100})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, Position: 2, Timestamp: 100, SessionID: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionMessage, Position: 3, Timestamp: 102, SessionID: 1, Payload: []byte("ping")})
	dispatch(t, c, engine.Event{Kind: engine.KindTimerExpiry, Position: 4, Timestamp: 107, CorrelationID: 9})
	dispatch(t, c, engine.Event{Kind: engine.KindTakeSnapshot, Position: 10, Timestamp: 110})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionClose, Position: 11, Timestamp: 111, SessionID: 1, Reason: session.ReasonClientAction})
	dispatch(t, c, engine.Event{Kind: engine.KindTerminate, Position: 12, Timestamp: 112})

	want := []string{
		"start(cold)",
		"open(1@100)",
		`msg(1,"ping")`,
		"timer(9@107)",
		"snapshot(9B)",
		"close(1,client_action)",
		"terminate",
	}
	if !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace mismatch:\n got %v\nwant %v", rec.trace, want)
	}

	chk := c.Checkpoint()
	if chk == nil || chk.Position != 10 {
		t.Fatalf("checkpoint = %+v, want position 10", chk)
	}
	if !bytes.Equal(chk.State, []byte("app-state")) {
		t.Fatalf("checkpoint state = %q", chk.State)
	}

	err := c.Dispatch(engine.Event{Kind: engine.KindSessionOpen, Position: 13, Timestamp: 113, SessionID: 2})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, ErrTerminated) {
		t.Fatalf("post-terminate dispatch: %v", err)
	}
}

func TestEventBeforeStart(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	err := c.Dispatch(engine.Event{Kind: engine.KindSessionOpen, SessionID: 1, Timestamp: 1})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, ErrNotStarted) {
		t.Fatalf("dispatch before start: %v", err)
	}
	// The container is poisoned; even a start event is refused now.
	if err := c.Dispatch(engine.Event{Kind: engine.KindStart, Timestamp: 1}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("dispatch after failure: %v", err)
	}
}

func TestDuplicateSessionOpen(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 7, Timestamp: 2})
	err := c.Dispatch(engine.Event{Kind: engine.KindSessionOpen, SessionID: 7, Timestamp: 3})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("duplicate open: %v", err)
	}
}

func TestResetClearsFailure(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	if err := c.Dispatch(engine.Event{Kind: engine.KindSessionMessage, SessionID: 42, Timestamp: 2}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("unknown session message: %v", err)
	}
	if !c.Stats().Failed {
		t.Fatal("container not failed after violation")
	}

	// A snapshot install replaces all poisoned state; the container accepts
	// events again once re-seeded.
	c.Reset()
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 3})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 1, Timestamp: 4})
	if st := c.Stats(); st.Failed || st.Sessions != 1 {
		t.Fatalf("stats after reset = %+v", st)
	}
}

func TestReopenClosedSessionID(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 7, Timestamp: 2})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionClose, SessionID: 7, Timestamp: 3, Reason: session.ReasonClientAction})
	err := c.Dispatch(engine.Event{Kind: engine.KindSessionOpen, SessionID: 7, Timestamp: 4})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("reopen of closed id: %v", err)
	}
}

func TestUnknownSessionMessage(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	err := c.Dispatch(engine.Event{Kind: engine.KindSessionMessage, SessionID: 42, Timestamp: 2, Payload: []byte("x")})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("unknown session message: %v", err)
	}
}

func TestServiceOriginatedMessage(t *testing.T) {
	rec := &recorder{}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionMessage, SessionID: 0, Timestamp: 2, Payload: []byte("internal")})
	want := `msg(0,"internal")`
	if rec.trace[len(rec.trace)-1] != want {
		t.Fatalf("trace tail = %q, want %q", rec.trace[len(rec.trace)-1], want)
	}
}

func TestTimerExpiryOrder(t *testing.T) {
	rec := &recorder{}
	rec.onMessage = func(c service.Cluster, s *session.Session, ts int64, payload []byte) error {
		// A and B at the same deadline, C earlier but scheduled last.
		if err := c.ScheduleTimer(1, 100); err != nil {
			return err
		}
		if err := c.ScheduleTimer(2, 100); err != nil {
			return err
		}
		return c.ScheduleTimer(3, 50)
	}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 1, Timestamp: 2})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionMessage, SessionID: 1, Timestamp: 3, Payload: []byte("arm")})
	dispatch(t, c, engine.Event{Kind: engine.KindTimerExpiry, Timestamp: 100})

	want := []string{"timer(3@100)", "timer(1@100)", "timer(2@100)"}
	got := rec.trace[len(rec.trace)-3:]
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expiry order = %v, want %v", got, want)
	}
}

func TestTimerExpiryUnknownCorrelation(t *testing.T) {
	c := newTestContainer(t, &recorder{})
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	err := c.Dispatch(engine.Event{Kind: engine.KindTimerExpiry, Timestamp: 2, CorrelationID: 99})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("unknown expiry: %v", err)
	}
}

func TestRoleChangeDeduplicated(t *testing.T) {
	rec := &recorder{}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindRoleChange, Timestamp: 2, Role: role.Leader})
	dispatch(t, c, engine.Event{Kind: engine.KindRoleChange, Timestamp: 3, Role: role.Leader})
	dispatch(t, c, engine.Event{Kind: engine.KindRoleChange, Timestamp: 4, Role: role.Follower})

	want := []string{"start(cold)", "role(leader)", "role(follower)"}
	if !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v, want %v", rec.trace, want)
	}
	if got := c.Stats().Role; got != role.Follower {
		t.Fatalf("Stats().Role = %s", got)
	}
}

func TestSnapshotFailureIsRecoverable(t *testing.T) {
	rec := &recorder{snapErr: errors.New("state not flushable")}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindTakeSnapshot, Position: 5, Timestamp: 2})
	if c.Checkpoint() != nil {
		t.Fatal("failed capture must not publish a checkpoint")
	}
	// Normal operation continues after the discarded attempt.
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 1, Timestamp: 3})
	if c.Stats().Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", c.Stats().Sessions)
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	armed := func(c service.Cluster, s *session.Session, ts int64, payload []byte) error {
		return c.ScheduleTimer(77, ts+1000)
	}

	src := &recorder{state: []byte("carried"), onMessage: armed}
	a := newTestContainer(t, src)
	dispatch(t, a, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, a, engine.Event{Kind: engine.KindSessionOpen, SessionID: 3, Timestamp: 2})
	dispatch(t, a, engine.Event{Kind: engine.KindSessionMessage, SessionID: 3, Timestamp: 3, Payload: []byte("arm")})
	dispatch(t, a, engine.Event{Kind: engine.KindTakeSnapshot, Position: 20, Timestamp: 4})
	chk := a.Checkpoint()
	if chk == nil {
		t.Fatal("no checkpoint captured")
	}

	dst := &recorder{}
	b := newTestContainer(t, dst)
	dispatch(t, b, engine.Event{Kind: engine.KindStart, Timestamp: 5, Checkpoint: chk})

	if !bytes.Equal(dst.restored, []byte("carried")) {
		t.Fatalf("restored state = %q", dst.restored)
	}
	st := b.Stats()
	if st.Sessions != 1 || st.PendingTimers != 1 || st.Position != 20 {
		t.Fatalf("restored stats = %+v", st)
	}
	if dl, ok := b.NextTimerDeadline(); !ok || dl != 1003 {
		t.Fatalf("next deadline = %d,%v", dl, ok)
	}
}

func TestDeterministicReplay(t *testing.T) {
	events := []engine.Event{
		{Kind: engine.KindStart, Position: 1, Timestamp: 10},
		{Kind: engine.KindSessionOpen, Position: 2, Timestamp: 11, SessionID: 1},
		{Kind: engine.KindSessionOpen, Position: 3, Timestamp: 12, SessionID: 2},
		{Kind: engine.KindSessionMessage, Position: 4, Timestamp: 13, SessionID: 1, Payload: []byte("a")},
		{Kind: engine.KindSessionClose, Position: 5, Timestamp: 14, SessionID: 2, Reason: session.ReasonTimeout},
		{Kind: engine.KindTakeSnapshot, Position: 6, Timestamp: 15},
	}

	run := func() ([]string, []byte) {
		rec := &recorder{state: []byte("replicated")}
		c := newTestContainer(t, rec)
		for _, ev := range events {
			dispatch(t, c, ev)
		}
		return rec.trace, c.Checkpoint().Encode()
	}

	traceA, chkA := run()
	traceB, chkB := run()
	if !reflect.DeepEqual(traceA, traceB) {
		t.Fatalf("traces diverged:\n a %v\n b %v", traceA, traceB)
	}
	if !bytes.Equal(chkA, chkB) {
		t.Fatal("checkpoint encodings diverged across identical replays")
	}
}

type captureResponder struct{ got [][]byte }

func (r *captureResponder) Send(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	r.got = append(r.got, buf)
	return nil
}

func TestOfferDelivery(t *testing.T) {
	rec := &recorder{}
	rec.onMessage = func(c service.Cluster, s *session.Session, ts int64, payload []byte) error {
		return c.Offer(s.ID(), []byte("echo:"+string(payload)))
	}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})
	dispatch(t, c, engine.Event{Kind: engine.KindSessionOpen, SessionID: 1, Timestamp: 2})

	// Unbound session drops the reply without error.
	dispatch(t, c, engine.Event{Kind: engine.KindSessionMessage, SessionID: 1, Timestamp: 3, Payload: []byte("hi")})

	rp := &captureResponder{}
	if err := c.BindResponder(1, rp); err != nil {
		t.Fatalf("BindResponder: %v", err)
	}
	dispatch(t, c, engine.Event{Kind: engine.KindSessionMessage, SessionID: 1, Timestamp: 4, Payload: []byte("again")})

	if len(rp.got) != 1 || string(rp.got[0]) != "echo:again" {
		t.Fatalf("responder got %q", rp.got)
	}
}

func TestClusterCallOutsideCallback(t *testing.T) {
	rec := &recorder{}
	c := newTestContainer(t, rec)
	dispatch(t, c, engine.Event{Kind: engine.KindStart, Timestamp: 1})

	if err := rec.cluster.ScheduleTimer(1, 100); !errors.Is(err, ErrOutsideCallback) {
		t.Fatalf("ScheduleTimer outside callback: %v", err)
	}
	if err := rec.cluster.Offer(1, []byte("x")); !errors.Is(err, ErrOutsideCallback) {
		t.Fatalf("Offer outside callback: %v", err)
	}
}

func TestFailedCallbackPoisonsContainer(t *testing.T) {
	rec := &recorder{startErr: errors.New("bad wiring")}
	c := newTestContainer(t, rec)
	if err := c.Dispatch(engine.Event{Kind: engine.KindStart, Timestamp: 1}); err == nil {
		t.Fatal("failed OnStart must surface")
	}
	if err := c.Dispatch(engine.Event{Kind: engine.KindStart, Timestamp: 2}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("dispatch after fatal error: %v", err)
	}
}
