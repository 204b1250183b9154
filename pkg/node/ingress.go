package node

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
)

const (
	proposeTimeout    = 5 * time.Second
	bindRetryInterval = 5 * time.Millisecond
	bindTimeout       = 2 * time.Second
)

// OpenSession allocates a cluster-unique session id and replicates the open
// event through the log. The id is derived from a random UUID so concurrent
// gateways on different nodes cannot collide; id 0 is reserved for
// service-originated messages and never handed out.
func (n *Node) OpenSession(ctx context.Context) (int64, error) {
	id := newSessionID()
	ev := engine.Event{
		Kind:      engine.KindSessionOpen,
		Timestamp: time.Now().UnixMilli(),
		SessionID: id,
	}
	if err := n.proposeOrForward(ctx, ev); err != nil {
		return 0, err
	}
	return id, nil
}

// Message replicates a client message for ordered delivery to the service.
func (n *Node) Message(ctx context.Context, sessionID int64, payload []byte) error {
	ev := engine.Event{
		Kind:      engine.KindSessionMessage,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Payload:   payload,
	}
	return n.proposeOrForward(ctx, ev)
}

// CloseSession replicates the close event with the given reason.
func (n *Node) CloseSession(ctx context.Context, sessionID int64, reason session.CloseReason) error {
	ev := engine.Event{
		Kind:      engine.KindSessionClose,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Reason:    reason,
	}
	return n.proposeOrForward(ctx, ev)
}

// Bind attaches the gateway's responder to the local container so replies
// from the service reach the client connection terminated on this node.
//
// On a follower the open event commits on the leader first and reaches this
// replica's log apply a moment later, so an unknown session here usually means
// the local apply is still catching up. Retry until the session lands.
func (n *Node) Bind(sessionID int64, rp session.Responder) error {
	deadline := time.Now().Add(bindTimeout)
	for {
		err := n.opts.Container.BindResponder(sessionID, rp)
		if err == nil || !errors.Is(err, session.ErrUnknownSession) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(bindRetryInterval)
	}
}

// Offer lets embedding applications inject a service-originated message
// (session id 0) into the log from outside a container callback.
func (n *Node) Offer(ctx context.Context, payload []byte) error {
	ev := engine.Event{
		Kind:      engine.KindSessionMessage,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	return n.proposeOrForward(ctx, ev)
}

// proposeOrForward appends the event locally when this node leads, otherwise
// relays it to the leader's management endpoint. The timestamp is fixed here,
// on the proposing side, so every replica applies the same value.
func (n *Node) proposeOrForward(ctx context.Context, ev engine.Event) error {
	if n.eng.IsLeader() {
		return n.eng.Propose(ev, proposeTimeout)
	}
	if n.rpcC == nil {
		return ErrNotLeader
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	addr := ""
	if id, _, ok := n.eng.Leader(); ok {
		addr = n.lookupMemberAddr(id)
	}
	if addr == "" {
		return ErrNotLeader
	}
	resp, err := n.rpcC.PostPropose(ctx, addr, transport.ProposeRequest{Event: raw})
	if err != nil {
		return err
	}
	if !resp.Accepted {
		// One redirect hop: the leader may have moved since our view.
		if resp.Leader != "" && resp.Leader != addr {
			logutil.Infof(n.opts.Logger, "propose redirected to %s", resp.Leader)
			resp, err = n.rpcC.PostPropose(ctx, resp.Leader, transport.ProposeRequest{Event: raw})
			if err != nil {
				return err
			}
			if resp.Accepted {
				return nil
			}
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return ErrNotLeader
	}
	return nil
}

// newSessionID derives a positive, non-zero int64 from a random UUID.
func newSessionID() int64 {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
		if id != 0 {
			return id
		}
	}
}
