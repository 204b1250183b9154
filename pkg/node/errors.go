package node

import "errors"

var (
	ErrNotLeader   = errors.New("node: not leader")
	ErrNoQuorum    = errors.New("node: no quorum")
	ErrUnreachable = errors.New("node: unreachable")
)
