package raftengine

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/WALL-EEEEEEE/aeron/pkg/container"
	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	"github.com/WALL-EEEEEEE/aeron/pkg/snapshot"
)

// containerFSM bridges Raft Apply/Snapshot/Restore to the service container.
// Raft serializes Apply, Snapshot and Restore on its FSM goroutine, so the
// container sees the strict ordering it requires.
type containerFSM struct {
	c     *container.Container
	log   *log.Logger
	clock func() int64

	// mu guards the start bookkeeping shared with the leadership observer,
	// which dispatches role changes from its own goroutine.
	mu      sync.Mutex
	started bool
	pending *snapshot.Checkpoint
}

func newContainerFSM(c *container.Container, logger *log.Logger, clock func() int64) *containerFSM {
	return &containerFSM{c: c, log: logger, clock: clock}
}

var _ raft.FSM = (*containerFSM)(nil)

// ensureStarted dispatches the start event exactly once, seeding the
// container from the last restored checkpoint when one is pending.
func (f *containerFSM) ensureStarted(ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureStartedLocked(ts)
}

func (f *containerFSM) ensureStartedLocked(ts int64) error {
	if f.started {
		return nil
	}
	ev := engine.Event{Kind: engine.KindStart, Timestamp: ts, Checkpoint: f.pending}
	if f.pending != nil {
		ev.Position = f.pending.Position
	}
	if err := f.c.Dispatch(ev); err != nil {
		return err
	}
	f.started = true
	f.pending = nil
	return nil
}

// DispatchLocal applies a locally generated event (role changes, terminate)
// under the bookkeeping lock so a concurrent snapshot restore cannot strand
// the event on an unstarted container.
func (f *containerFSM) DispatchLocal(ev engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureStartedLocked(ev.Timestamp); err != nil {
		return err
	}
	return f.c.Dispatch(ev)
}

func (f *containerFSM) Apply(l *raft.Log) interface{} {
	var ev engine.Event
	if err := json.Unmarshal(l.Data, &ev); err != nil {
		return fmt.Errorf("raftengine: decode log entry %d: %w", l.Index, err)
	}
	if !ev.Kind.Replicable() {
		// Start, role changes and terminate are local to each replica,
		// snapshots ride the raft snapshot path. A terminate through the log
		// would shut every container in the cluster down at once.
		return fmt.Errorf("raftengine: kind %s is not replicable", ev.Kind)
	}
	if err := f.ensureStarted(ev.Timestamp); err != nil {
		return err
	}
	ev.Position = l.Index
	if err := f.c.Dispatch(ev); err != nil {
		logutil.Errorf(f.log, "apply at index %d: %v", l.Index, err)
		return err
	}
	return nil
}

func (f *containerFSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.ensureStarted(f.clock()); err != nil {
		return nil, err
	}
	prev := f.c.Checkpoint()
	if err := f.c.Dispatch(engine.Event{Kind: engine.KindTakeSnapshot, Timestamp: f.clock()}); err != nil {
		return nil, err
	}
	chk := f.c.Checkpoint()
	if chk == nil || chk == prev {
		// The capture was discarded by the service. Refusing here keeps the
		// previous raft snapshot valid.
		return nil, fmt.Errorf("raftengine: service discarded checkpoint")
	}
	return &fsmSnapshot{chk: chk}, nil
}

func (f *containerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	chk, err := snapshot.Decode(rc)
	if err != nil {
		return fmt.Errorf("raftengine: restore: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// A mid-run install replaces all container state; the next applied
	// event re-runs the start path from this checkpoint.
	f.c.Reset()
	f.started = false
	f.pending = chk
	return nil
}

type fsmSnapshot struct {
	chk *snapshot.Checkpoint
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.chk.EncodeTo(sink); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
