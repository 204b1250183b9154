package role

import "testing"

func TestMachine_TransitionDedup(t *testing.T) {
	m := NewMachine()
	if m.Current() != Follower {
		t.Fatalf("initial role = %v, want follower", m.Current())
	}
	if !m.Transition(Leader) {
		t.Fatalf("follower -> leader should report a change")
	}
	// Re-announcing the same role must not fire a second notification.
	if m.Transition(Leader) {
		t.Fatalf("leader -> leader should be a no-op")
	}
	if !m.Transition(Follower) {
		t.Fatalf("leader -> follower should report a change")
	}
	if m.Current() != Follower {
		t.Fatalf("current = %v, want follower", m.Current())
	}
}

func TestRole_String(t *testing.T) {
	cases := map[Role]string{
		Follower:  "follower",
		Candidate: "candidate",
		Leader:    "leader",
		Role(9):   "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", r, got, want)
		}
	}
	if Role(9).IsValid() {
		t.Fatalf("Role(9) should be invalid")
	}
}
