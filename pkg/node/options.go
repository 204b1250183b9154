package node

import (
	"errors"
	"log"

	"github.com/WALL-EEEEEEE/aeron/pkg/container"
	"github.com/WALL-EEEEEEE/aeron/pkg/discovery"
	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/membership"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration
// used to assemble the node facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// NodeID is the unique identifier of this node within the cluster.
	NodeID NodeID
	// Transport exposes the local consensus (raft) address for join requests.
	Transport transport.Transport
	// Discovery provides seed nodes for membership join.
	Discovery discovery.Discovery
	// Logger is used by the node to report operational messages.
	Logger *log.Logger

	// Engine is the consensus engine driving the container (required).
	Engine engine.Engine

	// Container hosts the application service (required).
	Container *container.Container

	// Membership implementation (optional; single-node deployments run
	// without gossip).
	Membership membership.Membership

	// Optional management RPC (for Status proxy and event forwarding)
	RPCServer transport.RPCServer
	RPCClient transport.RPCClient

	// Optional callbacks for app-level hooks
	OnLeaderChange func(info engine.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("node: empty NodeID")
	}
	if o.Logger == nil {
		return errors.New("node: nil Logger")
	}
	if o.Engine == nil {
		return errors.New("node: nil Engine")
	}
	if o.Container == nil {
		return errors.New("node: nil Container")
	}
	return nil
}
