package transport

import (
	"context"
	"encoding/json"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest describes a join intent from a node and carries the RAFT address
// that should be added as a voter to the cluster.
type JoinRequest struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the cluster.
type LeaveRequest struct {
	ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// SnapshotResponse reports the outcome of an operator-triggered checkpoint.
type SnapshotResponse struct {
	Position uint64 `json:"position"`
	Error    string `json:"error,omitempty"`
}

// SnapshotFunc triggers a checkpoint of the hosted service (leader-only).
type SnapshotFunc func(ctx context.Context) (SnapshotResponse, error)

// ProposeRequest forwards a JSON-encoded log event toward the leader. Nodes
// that are not the leader cannot append to the log themselves, so their
// gateways relay client activity through this call.
type ProposeRequest struct {
	Event json.RawMessage `json:"event"`
}

// ProposeResponse indicates acceptance; on refusal Leader carries the current
// leader's management address so the caller can redirect.
type ProposeResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProposeFunc handles forwarded log events (leader-only).
type ProposeFunc func(ctx context.Context, req ProposeRequest) (ProposeResponse, error)

// RPCServer exposes management endpoints (/status, /join, /leave, /snapshot,
// /propose) for intra-cluster and operator calls.
type RPCServer interface {
	Start(ctx context.Context, status StatusFunc, join JoinFunc, leave LeaveFunc, snap SnapshotFunc, propose ProposeFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster calls to other nodes using the chosen
// management protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
	PostSnapshot(ctx context.Context, addr string) (SnapshotResponse, error)
	PostPropose(ctx context.Context, addr string, req ProposeRequest) (ProposeResponse, error)
}
