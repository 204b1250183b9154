package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	"github.com/WALL-EEEEEEE/aeron/pkg/membership"
	obsmetrics "github.com/WALL-EEEEEEE/aeron/pkg/observability/metrics"
	"github.com/WALL-EEEEEEE/aeron/pkg/observability/tracing"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
)

// Facade exposes the high-level API for embedding a service container node.
type Facade interface {
	Start(ctx context.Context) error
	Join(ctx context.Context, seedLeader string) error
	Status(ctx context.Context) (*ClusterStatus, error)
	Stop(ctx context.Context) error
	LeaderCh() <-chan engine.LeaderInfo
}

// Node is the concrete implementation of the Facade. It wires together
// membership, the consensus engine, the hosted service container and the
// management RPC endpoint into a single runnable cluster node.
type Node struct {
	opts Options
	mu   sync.RWMutex
	run  struct {
		started bool
		closed  bool
	}
	eng  engine.Engine
	mem  membership.Membership
	rpcS transport.RPCServer
	rpcC transport.RPCClient
	eb   eventBus
}

var _ Facade = (*Node)(nil)

// New constructs a Node from validated options. It performs no network
// activity; call Start to launch the node.
func New(ctx context.Context, opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := &Node{opts: opts, eng: opts.Engine, mem: opts.Membership, rpcS: opts.RPCServer, rpcC: opts.RPCClient}
	return n, nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

// Start launches membership, the consensus engine and the management
// endpoint, then begins the internal reconciliation loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.started {
		return nil
	}
	n.run.started = true
	obsmetrics.Register()
	if n.mem != nil {
		if err := n.mem.Start(ctx); err != nil {
			return err
		}
		if n.opts.Discovery != nil {
			if seeds := n.opts.Discovery.Seeds(); len(seeds) > 0 {
				logutil.Infof(n.opts.Logger, "joining membership seeds: %v", seeds)
				_ = n.mem.Join(seeds)
			}
		}
	}
	if err := n.eng.Start(ctx); err != nil {
		return err
	}
	go n.reconcileMembersLoop(ctx)
	go n.membershipEventsLoop(ctx)
	if ln, ok := n.eng.(engine.LeaderNotifier); ok {
		go func() {
			for li := range ln.LeaderCh() {
				obsmetrics.LeaderChanges.Inc()
				logutil.Infof(n.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
				liCopy := li
				n.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
				if n.opts.OnLeaderChange != nil {
					n.opts.OnLeaderChange(liCopy)
				}
			}
		}()
	}
	if n.rpcS != nil {
		statusFn := func(ctx context.Context) ([]byte, error) { return n.statusLocalJSON(ctx) }
		joinFn := func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
			return n.handleJoin(ctx, req)
		}
		leaveFn := func(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
			return n.handleLeave(ctx, req)
		}
		snapFn := func(ctx context.Context) (transport.SnapshotResponse, error) { return n.handleSnapshot(ctx) }
		proposeFn := func(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
			return n.handlePropose(ctx, req)
		}
		if err := n.rpcS.Start(ctx, statusFn, joinFn, leaveFn, snapFn, proposeFn); err != nil {
			return err
		}
		logutil.Infof(n.opts.Logger, "management endpoint listening at %s (status/metrics/healthz)", n.rpcS.Addr())
	}
	return nil
}

// Join requests to add this node as a voter via the current leader's
// management endpoint. When seedLeader is empty, the method attempts to
// resolve the leader from consensus and membership metadata.
func (n *Node) Join(ctx context.Context, seedLeader string) error {
	if n.rpcC == nil {
		return errors.New("node: no RPC client configured")
	}
	leaderMgmt := seedLeader
	if leaderMgmt == "" {
		if id, _, ok := n.eng.Leader(); ok {
			leaderMgmt = n.lookupMemberAddr(id)
		}
	} else {
		// Resolve leader via seed's status endpoint to target the actual leader
		if data, err := n.rpcC.GetStatus(ctx, leaderMgmt); err == nil {
			var st ClusterStatus
			if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" {
				leaderMgmt = st.LeaderAddr
			}
		}
	}
	if leaderMgmt == "" {
		return errors.New("node: cannot resolve leader management address")
	}
	raftAddr := ""
	if n.opts.Transport != nil {
		raftAddr = n.opts.Transport.Addr()
	}
	req := transport.JoinRequest{ID: string(n.opts.NodeID), RaftAddr: raftAddr}
	resp, err := n.rpcC.PostJoin(ctx, leaderMgmt, req)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		if resp.Error == "not leader" {
			return ErrNotLeader
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("node: join rejected")
	}
	return nil
}

// Status returns a synthesized snapshot including consensus term/leader, the
// membership view and the container's counters. When called on a follower, it
// proxies to the leader to obtain a canonical view (including LeaderAddr).
func (n *Node) Status(ctx context.Context) (*ClusterStatus, error) {
	s := &ClusterStatus{}
	s.Term = n.eng.Term()
	if id, _, ok := n.eng.Leader(); ok {
		s.LeaderID = id
		s.Healthy = true
		if n.eng.IsLeader() && n.rpcS != nil {
			s.LeaderAddr = n.rpcS.Addr()
		} else if n.rpcC != nil && n.mem != nil {
			if la := n.lookupMemberAddr(id); la != "" {
				if data, err := n.rpcC.GetStatus(ctx, la); err == nil {
					var rs ClusterStatus
					if json.Unmarshal(data, &rs) == nil {
						// Keep local container counters; the proxy only
						// contributes the cluster-wide view.
						n.fillContainerStats(&rs)
						rs.Members = n.memberView()
						return &rs, nil
					}
				}
			}
		}
	}
	s.Members = n.memberView()
	n.fillContainerStats(s)
	if hr, ok := n.mem.(membership.HealthReporter); ok {
		if score := hr.HealthScore(); score > 0 {
			s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health score %d", score))
		}
	}
	if n.eng.IsLeader() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	return s, nil
}

func (n *Node) memberView() []membership.MemberInfo {
	if n.mem == nil {
		return nil
	}
	ms := n.mem.Members()
	obsmetrics.ClusterMembers.Set(float64(len(ms)))
	return ms
}

func (n *Node) fillContainerStats(s *ClusterStatus) {
	st := n.opts.Container.Stats()
	s.Role = st.Role.String()
	s.Position = st.Position
	s.Sessions = st.Sessions
	s.PendingTimers = st.PendingTimers
	s.LastCheckpoint = st.LastCheckpoint
	if st.Failed {
		s.Healthy = false
		s.Warnings = append(s.Warnings, "container failed: protocol violation or callback error")
	}
	if st.Terminated {
		s.Warnings = append(s.Warnings, "container terminated")
	}
}

// Stop gracefully shuts down the engine, membership and the management server.
// Stopping the engine delivers a terminate event to the hosted service.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return nil
	}
	n.run.closed = true
	if err := n.eng.Stop(); err != nil {
		logutil.Warnf(n.opts.Logger, "engine stop: %v", err)
	}
	if n.mem != nil {
		_ = n.mem.Leave()
		_ = n.mem.Stop()
	}
	if n.rpcS != nil {
		_ = n.rpcS.Stop(ctx)
	}
	return nil
}

// LeaderCh exposes leadership change events if the underlying engine supports
// it (via engine.LeaderNotifier). Returns nil when unsupported.
func (n *Node) LeaderCh() <-chan engine.LeaderInfo {
	if ln, ok := n.eng.(engine.LeaderNotifier); ok {
		return ln.LeaderCh()
	}
	return nil
}

// TakeSnapshot checkpoints the hosted service on the leader. Followers return
// ErrNotLeader; operators normally reach this through the management endpoint,
// which forwards appropriately.
func (n *Node) TakeSnapshot(ctx context.Context) (uint64, error) {
	if !n.eng.IsLeader() {
		return 0, ErrNotLeader
	}
	return n.eng.TakeSnapshot()
}

func (n *Node) membershipEventsLoop(ctx context.Context) {
	if n.mem == nil {
		return
	}
	evch := n.mem.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evch:
			if !ok {
				return
			}
			switch e.Type {
			case membership.EventJoin:
				m := e.Member
				n.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
				if n.eng.IsLeader() {
					n.addVoter(e.Member)
				}
			case membership.EventLeave, membership.EventFailed:
				et := EventMemberLeave
				if e.Type == membership.EventFailed {
					et = EventMemberFailed
				}
				m := e.Member
				n.eb.publish(Event{Type: et, At: e.At, Member: &m})
				if n.eng.IsLeader() {
					n.removeServer(e.Member.ID)
				}
			}
			obsmetrics.ClusterMembers.Set(float64(len(n.mem.Members())))
		}
	}
}

// reconcileMembersLoop folds members already visible via gossip into the raft
// configuration once this node holds leadership.
func (n *Node) reconcileMembersLoop(ctx context.Context) {
	// allow membership to settle minimally
	select {
	case <-ctx.Done():
		return
	case <-time.After(200 * time.Millisecond):
	}
	if !n.eng.IsLeader() || n.mem == nil {
		return
	}
	for _, m := range n.mem.Members() {
		if m.ID == string(n.opts.NodeID) {
			continue
		}
		n.addVoter(m)
	}
}

func (n *Node) addVoter(mi membership.MemberInfo) {
	rc, ok := n.eng.(engine.Reconfigurer)
	if !ok {
		return
	}
	addr := mi.RaftAddr()
	if addr == "" {
		addr = mi.Addr
	}
	if err := rc.AddVoter(mi.ID, addr, 3*time.Second); err != nil {
		logutil.Warnf(n.opts.Logger, "add voter failed: id=%s addr=%s err=%v", mi.ID, addr, err)
	}
}

func (n *Node) removeServer(id string) {
	rc, ok := n.eng.(engine.Reconfigurer)
	if !ok {
		return
	}
	if err := rc.RemoveServer(id, 3*time.Second); err != nil {
		logutil.Warnf(n.opts.Logger, "remove voter failed: id=%s err=%v", id, err)
	} else {
		logutil.Infof(n.opts.Logger, "removed voter: id=%s", id)
	}
}

func (n *Node) statusLocalJSON(ctx context.Context) ([]byte, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// lookupMemberAddr returns the management address for a given member ID. It
// prefers gossiped Meta["mgmtAddr"] when available; otherwise falls back to
// the membership gossip address (which may not serve management APIs).
func (n *Node) lookupMemberAddr(id string) string {
	if n.mem == nil {
		return ""
	}
	for _, m := range n.mem.Members() {
		if m.ID == id {
			if mgmt := m.MgmtAddr(); mgmt != "" {
				return mgmt
			}
			return m.Addr
		}
	}
	return ""
}

func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleJoin")
	defer end()
	_ = ctx
	if !n.eng.IsLeader() {
		var leaderMgmt string
		if id, _, ok := n.eng.Leader(); ok {
			leaderMgmt = n.lookupMemberAddr(id)
		}
		obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
		logutil.Warnf(n.opts.Logger, "join rejected (not leader): id=%s", req.ID)
		return transport.JoinResponse{Accepted: false, Leader: leaderMgmt, Error: "not leader"}, nil
	}
	if rc, ok := n.eng.(engine.Reconfigurer); ok {
		if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
			logutil.Errorf(n.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
			obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
			return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
		}
	}
	obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
	logutil.Infof(n.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
	return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleLeave")
	defer end()
	_ = ctx
	if !n.eng.IsLeader() {
		logutil.Warnf(n.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
		return transport.LeaveResponse{Accepted: false, Error: "not leader"}, nil
	}
	n.removeServer(req.ID)
	logutil.Infof(n.opts.Logger, "leave accepted: id=%s", req.ID)
	return transport.LeaveResponse{Accepted: true}, nil
}

func (n *Node) handleSnapshot(ctx context.Context) (transport.SnapshotResponse, error) {
	_, end := tracing.StartSpan(ctx, "node.handleSnapshot")
	defer end()
	if !n.eng.IsLeader() {
		return transport.SnapshotResponse{Error: "not leader"}, nil
	}
	pos, err := n.eng.TakeSnapshot()
	if err != nil {
		logutil.Warnf(n.opts.Logger, "snapshot failed: %v", err)
		return transport.SnapshotResponse{Error: err.Error()}, nil
	}
	logutil.Infof(n.opts.Logger, "snapshot taken at position %d", pos)
	return transport.SnapshotResponse{Position: pos}, nil
}

// handlePropose appends a forwarded log event on the leader. Followers answer
// with the current leader's management address so callers can redirect.
func (n *Node) handlePropose(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	_, end := tracing.StartSpan(ctx, "node.handlePropose")
	defer end()
	if !n.eng.IsLeader() {
		var leaderMgmt string
		if id, _, ok := n.eng.Leader(); ok {
			leaderMgmt = n.lookupMemberAddr(id)
		}
		return transport.ProposeResponse{Accepted: false, Leader: leaderMgmt, Error: "not leader"}, nil
	}
	var ev engine.Event
	if err := json.Unmarshal(req.Event, &ev); err != nil {
		return transport.ProposeResponse{Accepted: false, Error: "malformed event: " + err.Error()}, nil
	}
	if !ev.Kind.Replicable() {
		return transport.ProposeResponse{Accepted: false, Error: "event kind " + ev.Kind.String() + " is not replicable"}, nil
	}
	if err := n.eng.Propose(ev, 5*time.Second); err != nil {
		return transport.ProposeResponse{Accepted: false, Error: err.Error()}, nil
	}
	return transport.ProposeResponse{Accepted: true}, nil
}
