package core

// SessionStatus is the lifecycle status of a session record.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
	SessionFailed  SessionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionFailed
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionActive, SessionEnded, SessionFailed:
		return true
	}
	return false
}

// AllowedFrom lists the statuses a session may move to s from.
// Status only moves forward: pending -> active -> {ended | failed}, and a
// session that never became active may fail directly.
func (s SessionStatus) AllowedFrom() []SessionStatus {
	switch s {
	case SessionActive:
		return []SessionStatus{SessionPending}
	case SessionEnded:
		return []SessionStatus{SessionActive}
	case SessionFailed:
		return []SessionStatus{SessionPending, SessionActive}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range to.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// AgentState is the state of an AgentStatus record.
type AgentState string

const (
	AgentClaimed    AgentState = "claimed"
	AgentConnecting AgentState = "connecting"
	AgentActive     AgentState = "active"
	AgentEnding     AgentState = "ending"
	AgentTerminated AgentState = "terminated"
)

func (s AgentState) rank() int {
	switch s {
	case AgentClaimed:
		return 0
	case AgentConnecting:
		return 1
	case AgentActive:
		return 2
	case AgentEnding:
		return 3
	case AgentTerminated:
		return 4
	default:
		return -1
	}
}

// Advances reports whether moving from s to next keeps agent state ordered.
// Re-asserting the same state is allowed so heartbeats can refresh it.
func (s AgentState) Advances(next AgentState) bool {
	return next.rank() >= 0 && next.rank() >= s.rank()
}
