package raftengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/WALL-EEEEEEE/aeron/pkg/container"
	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	obsmetrics "github.com/WALL-EEEEEEE/aeron/pkg/observability/metrics"
	"github.com/WALL-EEEEEEE/aeron/pkg/role"
)

// Node implements engine.Engine using HashiCorp Raft. Committed log entries
// are applied to the container through the FSM bridge; leadership changes and
// timer expiry ticks are generated locally.
type Node struct {
	opts Options
	log  *log.Logger
	c    *container.Container
	fsm  *containerFSM
	r    *raft.Raft
	lch  chan engine.LeaderInfo

	addr     raft.ServerAddress
	trans    raft.Transport
	observer *raft.Observer
	obsCh    chan raft.Observation

	clock    func() int64
	tickWake chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opts Options, c *container.Container) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftengine: empty NodeID")
	}
	if c == nil {
		return nil, fmt.Errorf("raftengine: nil container")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	n := &Node{
		opts:     opts,
		log:      opts.Logger,
		c:        c,
		clock:    clock,
		lch:      make(chan engine.LeaderInfo, 16),
		tickWake: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	n.fsm = newContainerFSM(c, opts.Logger, clock)
	// Timer requests raised inside callbacks feed the expiry clock.
	c.SetFeedback(n)
	return n, nil
}

var _ engine.Engine = (*Node)(nil)
var _ engine.Reconfigurer = (*Node)(nil)
var _ engine.LeaderNotifier = (*Node)(nil)
var _ engine.Feedback = (*Node)(nil)

func (n *Node) Start(ctx context.Context) error {
	if n.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// Keep lease <= heartbeat to satisfy invariants
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
		addr   raft.ServerAddress
		trans  raft.Transport
	)

	// Storage selection: on-disk when DataDir provided, else in-memory.
	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return err
		}
		bpath := filepath.Join(n.opts.DataDir, "raft.db")
		bstore, err := raftboltdb.NewBoltStore(bpath)
		if err != nil {
			return err
		}
		logs = bstore
		stable = bstore
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
		if err != nil {
			return err
		}
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
		if err != nil {
			return err
		}
		trans = nt
		addr = nt.LocalAddr()
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, n.fsm, logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	n.r = r
	n.addr = addr
	n.trans = trans

	// Observe leadership and raft state changes. Leader info feeds the
	// notifier channel; state transitions become role change events.
	n.obsCh = make(chan raft.Observation, 32)
	n.observer = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.RaftState:
			return true
		default:
			return false
		}
	})
	n.r.RegisterObserver(n.observer)
	go n.observeLoop(n.obsCh)

	// Emit an initial leader snapshot once raft settles.
	go func() {
		time.Sleep(50 * time.Millisecond)
		if id, laddr, ok := n.Leader(); ok {
			n.emitLeader(engine.LeaderInfo{ID: id, Addr: laddr, Term: n.Term()})
		}
		n.dispatchRole(r.State())
	}()

	go n.tickLoop()

	if n.opts.Bootstrap {
		cfgs := raft.Configuration{Servers: []raft.Server{{
			ID:      cfg.LocalID,
			Address: addr,
		}}}
		if err := n.r.BootstrapCluster(cfgs).Error(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = n.Stop()
	}()
	return nil
}

func (n *Node) observeLoop(obsCh chan raft.Observation) {
	for o := range obsCh {
		switch data := o.Data.(type) {
		case raft.LeaderObservation:
			if id, addr, ok := n.Leader(); ok {
				n.emitLeader(engine.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
			}
		case raft.RaftState:
			n.dispatchRole(data)
			if data == raft.Leader {
				n.wakeTick()
			}
		}
	}
}

func (n *Node) dispatchRole(st raft.RaftState) {
	var r role.Role
	switch st {
	case raft.Follower:
		r = role.Follower
	case raft.Candidate:
		r = role.Candidate
	case raft.Leader:
		r = role.Leader
	default:
		return
	}
	ev := engine.Event{Kind: engine.KindRoleChange, Timestamp: n.clock(), Role: r}
	if err := n.fsm.DispatchLocal(ev); err != nil {
		logutil.Errorf(n.log, "role change dispatch: %v", err)
	}
}

// tickLoop is the leader's timer clock. When the wall clock passes the
// earliest pending deadline, an expiry event is proposed and replicated so
// all replicas fire the same timers at the same log position.
func (n *Node) tickLoop() {
	ticker := time.NewTicker(n.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopped:
			return
		case <-ticker.C:
		case <-n.tickWake:
		}
		r := n.r
		if r == nil || r.State() != raft.Leader {
			continue
		}
		deadline, ok := n.c.NextTimerDeadline()
		if !ok {
			continue
		}
		now := n.clock()
		if deadline > now {
			continue
		}
		ev := engine.Event{Kind: engine.KindTimerExpiry, Timestamp: now}
		if err := n.Propose(ev, n.opts.ApplyTimeout); err != nil {
			logutil.Warnf(n.log, "timer expiry propose: %v", err)
		}
	}
}

func (n *Node) wakeTick() {
	select {
	case n.tickWake <- struct{}{}:
	default:
	}
}

// Propose replicates an event through the raft log. Leader only; the
// timestamp is fixed here so followers apply the identical value.
func (n *Node) Propose(ev engine.Event, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftengine: not started")
	}
	if n.r.State() != raft.Leader {
		obsmetrics.ProposeFailures.WithLabelValues(ev.Kind.String()).Inc()
		return fmt.Errorf("raftengine: not leader")
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = n.clock()
	}
	ev.Position = 0 // assigned from the log index on apply
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t := timeout
	if t <= 0 {
		if n.opts.ApplyTimeout > 0 {
			t = n.opts.ApplyTimeout
		} else {
			t = 5 * time.Second
		}
	}
	af := n.r.Apply(data, t)
	if err := af.Error(); err != nil {
		obsmetrics.ProposeFailures.WithLabelValues(ev.Kind.String()).Inc()
		return err
	}
	if v := af.Response(); v != nil {
		if e, ok := v.(error); ok && e != nil {
			obsmetrics.ProposeFailures.WithLabelValues(ev.Kind.String()).Inc()
			return e
		}
	}
	return nil
}

func (n *Node) IsLeader() bool {
	if n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
	if n.r == nil {
		return "", "", false
	}
	a, sid := n.r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
	if n.r == nil {
		return 0
	}
	if v := n.r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// TakeSnapshot forces a checkpoint through the raft snapshot path and returns
// the position it covers.
func (n *Node) TakeSnapshot() (uint64, error) {
	if n.r == nil {
		return 0, fmt.Errorf("raftengine: not started")
	}
	if err := n.r.Snapshot().Error(); err != nil {
		return 0, err
	}
	chk := n.c.Checkpoint()
	if chk == nil {
		return 0, fmt.Errorf("raftengine: no checkpoint captured")
	}
	return chk.Position, nil
}

// Stop delivers the terminate event to the service and shuts raft down. The
// raft handle stays set afterwards so concurrent readers observe the Shutdown
// state instead of racing a nil assignment.
func (n *Node) Stop() error {
	if n.r == nil {
		return nil
	}
	var err error
	n.stopOnce.Do(func() {
		close(n.stopped)
		if st := n.c.Stats(); st.Started && !st.Terminated && !st.Failed {
			ev := engine.Event{Kind: engine.KindTerminate, Timestamp: n.clock()}
			if derr := n.fsm.DispatchLocal(ev); derr != nil {
				logutil.Errorf(n.log, "terminate dispatch: %v", derr)
			}
		}
		err = n.r.Shutdown().Error()
		// Raft goroutines are done now, so the observer can no longer post.
		n.r.DeregisterObserver(n.observer)
		close(n.obsCh)
	})
	return err
}

// LeaderCh exposes leadership change notifications.
func (n *Node) LeaderCh() <-chan engine.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li engine.LeaderInfo) {
	select {
	case n.lch <- li:
	default:
		// drop to avoid blocking; last-writer-wins is fine for leadership
	}
}

// Addr returns the raft transport address for AddVoter exchanges.
func (n *Node) Addr() string { return string(n.addr) }

// Feedback: the container tells us when timers move so the tick loop can
// re-evaluate the earliest deadline without waiting a full interval.

func (n *Node) TimerScheduled(int64, int64) { n.wakeTick() }
func (n *Node) TimerCancelled(int64)        {}

func (n *Node) CheckpointTaken(position uint64) {
	logutil.Infof(n.log, "checkpoint acknowledged at position %d", position)
}

// --- Dynamic Reconfiguration ---

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftengine: not started")
	}
	cfg := n.r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) == id {
				if string(srv.Address) == addr {
					return nil
				}
				// Remove stale entry with different address before adding
				rf := n.r.RemoveServer(srv.ID, 0, timeout)
				if err := rf.Error(); err != nil {
					return err
				}
				break
			}
		}
	}
	f := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
	return f.Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftengine: not started")
	}
	f := n.r.RemoveServer(raft.ServerID(id), 0, timeout)
	return f.Error()
}
