package container

import "errors"

var (
	// ErrProtocolViolation marks fatal divergence-risking conditions: events
	// referencing unknown or duplicate ids, out-of-order lifecycle events,
	// or delivery after termination. The node must abort and be recovered
	// from the last checkpoint plus log replay; skipping the event instead
	// would desynchronize replicas.
	ErrProtocolViolation = errors.New("container: protocol violation")

	// ErrTerminated is wrapped into the protocol violation returned for any
	// event delivered after the terminate event.
	ErrTerminated = errors.New("container: terminated")

	// ErrNotStarted is wrapped into the protocol violation returned for any
	// event delivered before the start event.
	ErrNotStarted = errors.New("container: not started")

	// ErrOutsideCallback is returned when a Cluster operation is invoked
	// after the callback it was scoped to has returned.
	ErrOutsideCallback = errors.New("container: cluster call outside event callback")
)
