package timer

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
)

var (
	// ErrDuplicateTimer is returned when a correlation id is already pending;
	// callers must cancel the outstanding entry first.
	ErrDuplicateTimer = errors.New("timer: duplicate correlation id")
	// ErrUnknownTimer is returned when cancelling an id with no pending entry.
	ErrUnknownTimer = errors.New("timer: unknown correlation id")
)

// Entry is one scheduled callback, ordered by deadline with ties broken by
// ascending correlation id so expiry order is identical on every replica.
type Entry struct {
	CorrelationID int64 `json:"correlationId"`
	Deadline      int64 `json:"deadline"`
}

type entry struct {
	Entry
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Deadline != h[j].Deadline {
		return h[i].Deadline < h[j].Deadline
	}
	return h[i].CorrelationID < h[j].CorrelationID
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Schedule is the logical-time ordered set of pending timers. Cancellation is
// lazy: cancelled entries stay in the heap flagged until they surface, which
// keeps Cancel O(1) beyond the map delete.
//
// Not safe for concurrent use; the event dispatcher is the single writer.
type Schedule struct {
	h    entryHeap
	byID map[int64]*entry
}

func NewSchedule() *Schedule {
	return &Schedule{byID: make(map[int64]*entry)}
}

// Add schedules a timer. A correlation id with a pending entry is rejected.
func (s *Schedule) Add(correlationID, deadline int64) error {
	if _, ok := s.byID[correlationID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTimer, correlationID)
	}
	e := &entry{Entry: Entry{CorrelationID: correlationID, Deadline: deadline}}
	s.byID[correlationID] = e
	heap.Push(&s.h, e)
	return nil
}

// Cancel removes a pending timer without firing it.
func (s *Schedule) Cancel(correlationID int64) error {
	e, ok := s.byID[correlationID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTimer, correlationID)
	}
	e.cancelled = true
	delete(s.byID, correlationID)
	return nil
}

// Pending reports whether an uncancelled entry exists for the id.
func (s *Schedule) Pending(correlationID int64) bool {
	_, ok := s.byID[correlationID]
	return ok
}

// Len returns the number of pending (uncancelled) timers.
func (s *Schedule) Len() int { return len(s.byID) }

// NextDeadline returns the earliest pending deadline, if any.
func (s *Schedule) NextDeadline() (int64, bool) {
	s.drainCancelled()
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].Deadline, true
}

func (s *Schedule) drainCancelled() {
	for len(s.h) > 0 && s.h[0].cancelled {
		heap.Pop(&s.h)
	}
}

// Expired returns the lazy sequence of entries whose deadline is at or before
// now, in deterministic (deadline, correlation id) order. Each yielded entry
// has already been removed from the schedule, so the sequence is restartable:
// breaking out and ranging again resumes with the remaining due entries.
// Entries scheduled from inside the loop body that are already due surface in
// the same pass, which is deterministic because every replica runs the same
// loop body.
func (s *Schedule) Expired(now int64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for {
			s.drainCancelled()
			if len(s.h) == 0 || s.h[0].Deadline > now {
				return
			}
			e := heap.Pop(&s.h).(*entry)
			delete(s.byID, e.CorrelationID)
			if !yield(e.Entry) {
				return
			}
		}
	}
}

type snapshotBlob struct {
	Version int     `json:"version"`
	Timers  []Entry `json:"timers"`
}

// Snapshot encodes the pending timers as a stable JSON blob in deterministic
// order. Cancelled-but-unswept entries are excluded.
func (s *Schedule) Snapshot() ([]byte, error) {
	blob := snapshotBlob{Version: 1, Timers: make([]Entry, 0, len(s.byID))}
	for _, e := range s.byID {
		blob.Timers = append(blob.Timers, e.Entry)
	}
	sort.Slice(blob.Timers, func(i, j int) bool {
		if blob.Timers[i].Deadline != blob.Timers[j].Deadline {
			return blob.Timers[i].Deadline < blob.Timers[j].Deadline
		}
		return blob.Timers[i].CorrelationID < blob.Timers[j].CorrelationID
	})
	return json.Marshal(blob)
}

// Restore replaces the schedule contents from a Snapshot blob.
func (s *Schedule) Restore(buf []byte) error {
	var blob snapshotBlob
	if err := json.Unmarshal(buf, &blob); err != nil {
		return fmt.Errorf("timer: restore: %w", err)
	}
	if blob.Version != 1 {
		return fmt.Errorf("timer: restore: unsupported snapshot version %d", blob.Version)
	}
	s.h = s.h[:0]
	s.byID = make(map[int64]*entry, len(blob.Timers))
	for _, t := range blob.Timers {
		e := &entry{Entry: t}
		s.byID[t.CorrelationID] = e
		heap.Push(&s.h, e)
	}
	return nil
}
