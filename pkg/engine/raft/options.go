package raftengine

import (
	"log"
	"time"
)

// Options configure the Raft-based Engine implementation.
type Options struct {
	NodeID string
	Logger *log.Logger

	// Bootstrap forms a single-node cluster on Start when true.
	Bootstrap bool

	// Timeouts (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration // client-side apply wait

	// Networking & Storage
	// If BindAddr is non-empty, a TCP transport is used bound to this address
	// (e.g., "127.0.0.1:0"). Otherwise, an in-memory transport is used.
	BindAddr string

	// DataDir selects on-disk stores when non-empty (bolt store for log/stable,
	// file snapshot store). When empty, in-memory stores are used.
	DataDir string

	// SnapshotsRetained controls how many snapshots to retain on disk.
	SnapshotsRetained int

	// TickInterval is how often the leader checks the timer schedule for
	// due deadlines. Zero means 50ms.
	TickInterval time.Duration

	// Clock supplies cluster timestamps on the proposer. Zero means wall
	// clock milliseconds. Followers never read it; they take the timestamp
	// from the replicated event.
	Clock func() int64
}
