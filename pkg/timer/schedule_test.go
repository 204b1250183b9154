package timer

import (
	"errors"
	"testing"
)

func expire(s *Schedule, now int64) []int64 {
	var ids []int64
	for e := range s.Expired(now) {
		ids = append(ids, e.CorrelationID)
	}
	return ids
}

func TestSchedule_DeterministicExpiryOrder(t *testing.T) {
	s := NewSchedule()
	// schedule A@100, B@100, C@50 -> fire C, A, B
	if err := s.Add(1, 100); err != nil { // A
		t.Fatalf("add A: %v", err)
	}
	if err := s.Add(2, 100); err != nil { // B
		t.Fatalf("add B: %v", err)
	}
	if err := s.Add(3, 50); err != nil { // C
		t.Fatalf("add C: %v", err)
	}

	got := expire(s, 100)
	want := []int64{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("fired %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fired %v, want %v", got, want)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d after drain", s.Len())
	}
}

func TestSchedule_DuplicateAndCancel(t *testing.T) {
	s := NewSchedule()
	if err := s.Add(7, 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(7, 20); !errors.Is(err, ErrDuplicateTimer) {
		t.Fatalf("duplicate add err = %v, want ErrDuplicateTimer", err)
	}
	if err := s.Cancel(7); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Cancel(7); !errors.Is(err, ErrUnknownTimer) {
		t.Fatalf("second cancel err = %v, want ErrUnknownTimer", err)
	}
	// Cancelled entries never fire.
	if ids := expire(s, 100); len(ids) != 0 {
		t.Fatalf("cancelled timer fired: %v", ids)
	}
	// The id is reusable once no entry is pending.
	if err := s.Add(7, 5); err != nil {
		t.Fatalf("re-add after cancel: %v", err)
	}
	if ids := expire(s, 5); len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("fired %v, want [7]", ids)
	}
}

func TestSchedule_ExpiredIsRestartable(t *testing.T) {
	s := NewSchedule()
	for i := int64(1); i <= 4; i++ {
		if err := s.Add(i, i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	var first []int64
	for e := range s.Expired(10) {
		first = append(first, e.CorrelationID)
		if len(first) == 2 {
			break
		}
	}
	rest := expire(s, 10)
	if len(first) != 2 || len(rest) != 2 {
		t.Fatalf("first=%v rest=%v", first, rest)
	}
	if first[0] != 1 || first[1] != 2 || rest[0] != 3 || rest[1] != 4 {
		t.Fatalf("order mismatch: first=%v rest=%v", first, rest)
	}
}

func TestSchedule_NextDeadlineSkipsCancelled(t *testing.T) {
	s := NewSchedule()
	_ = s.Add(1, 10)
	_ = s.Add(2, 20)
	_ = s.Cancel(1)
	d, ok := s.NextDeadline()
	if !ok || d != 20 {
		t.Fatalf("next deadline = %d/%v, want 20/true", d, ok)
	}
}

func TestSchedule_SnapshotRoundTrip(t *testing.T) {
	s := NewSchedule()
	_ = s.Add(5, 50)
	_ = s.Add(1, 50)
	_ = s.Add(9, 10)
	_ = s.Add(4, 70)
	_ = s.Cancel(4)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	s2 := NewSchedule()
	if err := s2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap2, err := s2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot2: %v", err)
	}
	if string(snap) != string(snap2) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}
	if got := expire(s2, 100); len(got) != 3 || got[0] != 9 || got[1] != 1 || got[2] != 5 {
		t.Fatalf("restored expiry order = %v, want [9 1 5]", got)
	}
}
