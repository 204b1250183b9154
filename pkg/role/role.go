package role

// Role is the consensus role of a cluster node as reported by the consensus
// engine. The numeric values are part of the wire contract and must not be
// reordered.
type Role int32

const (
	Follower  Role = 0
	Candidate Role = 1
	Leader    Role = 2
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// IsValid reports whether r is one of the defined roles.
func (r Role) IsValid() bool { return r >= Follower && r <= Leader }

// Machine tracks the current role and suppresses duplicate transition
// notifications: a report equal to the current role is a no-op, so the
// container never fires two consecutive identical role callbacks even when
// the upstream engine re-announces its role.
type Machine struct {
	cur Role
}

// NewMachine returns a machine starting in the Follower role.
func NewMachine() *Machine { return &Machine{cur: Follower} }

// Current returns the role most recently transitioned to.
func (m *Machine) Current() Role { return m.cur }

// Transition updates the current role and reports whether it changed.
// Callers fire the role-change notification only when true is returned.
func (m *Machine) Transition(r Role) bool {
	if r == m.cur {
		return false
	}
	m.cur = r
	return true
}
