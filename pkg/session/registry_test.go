package session

import (
	"errors"
	"testing"
)

func TestRegistry_OpenCloseLifecycle(t *testing.T) {
	r := NewRegistry()

	s, err := r.Open(1, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.ID() != 1 || s.OpenedAt() != 100 {
		t.Fatalf("session = {%d %d}, want {1 100}", s.ID(), s.OpenedAt())
	}
	if _, err := r.Open(1, 101); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("duplicate open err = %v, want ErrDuplicateSession", err)
	}

	got, err := r.Lookup(1)
	if err != nil || got != s {
		t.Fatalf("lookup: %v %v", got, err)
	}

	cs, err := r.Closing(1, ReasonClientAction)
	if err != nil {
		t.Fatalf("closing: %v", err)
	}
	if !cs.IsClosing() || cs.Reason() != ReasonClientAction {
		t.Fatalf("closing state = %v/%v", cs.IsClosing(), cs.Reason())
	}
	// Session stays visible until Remove so the close callback sees it.
	if _, err := r.Lookup(1); err != nil {
		t.Fatalf("lookup mid-close: %v", err)
	}
	if err := r.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Closing an id twice fails with ErrUnknownSession the second time.
	if _, err := r.Closing(1, ReasonClientAction); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("second close err = %v, want ErrUnknownSession", err)
	}
	if _, err := r.Lookup(1); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("lookup after remove err = %v, want ErrUnknownSession", err)
	}
}

func TestRegistry_SnapshotRoundTrip(t *testing.T) {
	r := NewRegistry()
	for i, id := range []int64{7, 3, 9} {
		if _, err := r.Open(id, int64(i)); err != nil {
			t.Fatalf("open %d: %v", id, err)
		}
	}
	// Remove the middle session to exercise order maintenance.
	if _, err := r.Closing(3, ReasonTimeout); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := r.Remove(3); err != nil {
		t.Fatalf("remove: %v", err)
	}

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	r2 := NewRegistry()
	if err := r2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap2, err := r2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot2: %v", err)
	}
	if string(snap) != string(snap2) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}

	var order []int64
	r2.ForEach(func(s *Session) bool {
		order = append(order, s.ID())
		return true
	})
	if len(order) != 2 || order[0] != 7 || order[1] != 9 {
		t.Fatalf("iteration order = %v, want [7 9]", order)
	}
}

func TestRegistry_ClosedIDsNeverReused(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Open(7, 100); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Closing(7, ReasonClientAction); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := r.Remove(7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Open(7, 200); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("reopen err = %v, want ErrDuplicateSession", err)
	}

	// The tombstone survives a snapshot round trip.
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	r2 := NewRegistry()
	if err := r2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := r2.Open(7, 300); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("reopen after restore err = %v, want ErrDuplicateSession", err)
	}
	if _, err := r2.Open(8, 300); err != nil {
		t.Fatalf("fresh id after restore: %v", err)
	}
}

func TestRegistry_RestoreRejectsUnknownVersion(t *testing.T) {
	r := NewRegistry()
	if err := r.Restore([]byte(`{"version":99,"sessions":[]}`)); err == nil {
		t.Fatalf("expected error for unknown snapshot version")
	}
}

type captureResponder struct{ sent [][]byte }

func (c *captureResponder) Send(p []byte) error {
	c.sent = append(c.sent, p)
	return nil
}

func TestSession_Respond(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Open(5, 0)
	if err := s.Respond([]byte("x")); !errors.Is(err, ErrNoResponder) {
		t.Fatalf("respond without responder err = %v, want ErrNoResponder", err)
	}
	cr := &captureResponder{}
	if err := r.Bind(5, cr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.Respond([]byte("pong")); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(cr.sent) != 1 || string(cr.sent[0]) != "pong" {
		t.Fatalf("sent = %q", cr.sent)
	}
}
