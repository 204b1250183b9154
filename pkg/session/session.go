package session

import "errors"

var (
	// ErrDuplicateSession is returned when opening an id that is already live.
	ErrDuplicateSession = errors.New("session: duplicate session id")
	// ErrUnknownSession is returned when an operation references an id that is
	// not live (never opened, or already closed).
	ErrUnknownSession = errors.New("session: unknown session id")
	// ErrNoResponder is returned by Respond when no reply channel is bound,
	// which is the normal condition on non-leader replicas.
	ErrNoResponder = errors.New("session: no responder bound")
)

// CloseReason records why a session was closed. Values are part of the wire
// contract.
type CloseReason int32

const (
	// ReasonClientAction means the client closed the session itself.
	ReasonClientAction CloseReason = 0
	// ReasonServiceAction means the service requested the close.
	ReasonServiceAction CloseReason = 1
	// ReasonTimeout means the session timed out at the transport layer.
	ReasonTimeout CloseReason = 2
)

func (r CloseReason) String() string {
	switch r {
	case ReasonClientAction:
		return "client_action"
	case ReasonServiceAction:
		return "service_action"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Responder is the opaque reply channel for one client session. The transport
// collaborator owns the underlying resource; the registry merely carries the
// handle so replies can be routed by session id on the node that terminates
// the client connection.
type Responder interface {
	Send(payload []byte) error
}

// Session is one live client session. Instances are created and mutated only
// by the Registry, driven by the event dispatcher.
type Session struct {
	id        int64
	openedAt  int64
	closing   bool
	reason    CloseReason
	responder Responder
}

// ID returns the session identifier, stable for the session's lifetime.
func (s *Session) ID() int64 { return s.id }

// OpenedAt returns the cluster timestamp at which the session was opened.
func (s *Session) OpenedAt() int64 { return s.openedAt }

// IsClosing reports whether the close event for this session is being applied.
func (s *Session) IsClosing() bool { return s.closing }

// Reason returns the close reason; meaningful only while IsClosing.
func (s *Session) Reason() CloseReason { return s.reason }

// Respond sends payload to the client over the bound reply channel. On
// replicas without a bound responder it returns ErrNoResponder; callers that
// must stay deterministic across replicas should treat that as a non-event.
func (s *Session) Respond(payload []byte) error {
	if s.responder == nil {
		return ErrNoResponder
	}
	return s.responder.Send(payload)
}
