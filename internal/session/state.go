// Package session provides the durable session store for the coordination
// core: the agent registry, registered humans, and the pending-permission
// queue, persisted as a single JSON document per session. It also houses the
// reconciler that repairs agent state from room history after a restart.
package session

import (
	"errors"
	"time"

	"github.com/zjrosen/convoy/internal/mailbox"
)

// Store errors. Callers classify with errors.Is.
var (
	// ErrNotFound means the resume target does not exist on disk.
	ErrNotFound = errors.New("session not found")
	// ErrPersistFailed means the write-temp-then-rename persist did not land.
	ErrPersistFailed = errors.New("session persist failed")
	// ErrAgentUnknown means an operation referenced an unregistered agent id.
	ErrAgentUnknown = errors.New("unknown agent")
	// ErrIllegalTransition means a state change violated the agent lifecycle,
	// e.g. activating a terminated agent.
	ErrIllegalTransition = errors.New("illegal agent state transition")
	// ErrUnknownRequest means a permission operation referenced a request id
	// the store does not hold.
	ErrUnknownRequest = errors.New("unknown permission request")
)

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	StateSpawning          AgentState = "spawning"
	StateStarting          AgentState = "starting"
	StateIdle              AgentState = "idle"
	StateWorking           AgentState = "working"
	StateWaitingPermission AgentState = "waiting_permission"
	StateTerminated        AgentState = "terminated"
)

// String returns the persisted spelling of the state.
func (s AgentState) String() string {
	return string(s)
}

// Valid reports whether s names a known lifecycle state.
func (s AgentState) Valid() bool {
	switch s {
	case StateSpawning, StateStarting, StateIdle, StateWorking, StateWaitingPermission, StateTerminated:
		return true
	}
	return false
}

// Agent is one worker's registry entry. The agent id is assigned at spawn and
// is distinct from the mailbox identity id.
type Agent struct {
	AgentID        string     `json:"agent_id"`
	IdentityID     string     `json:"identity_id"`
	IdentitySecret string     `json:"identity_secret"`
	DisplayName    string     `json:"display_name"`
	WorkspaceName  string     `json:"workspace_name,omitempty"`
	State          AgentState `json:"state"`
	CurrentTaskID  string     `json:"current_task_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSeen       time.Time  `json:"last_seen,omitzero"`
	TmuxSession    string     `json:"tmux_session,omitempty"`
}

// Human is a registered human participant. Humans are never removed by the
// core.
type Human struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PermissionStatus is the lifecycle state of a queued permission request.
type PermissionStatus string

const (
	PermissionPending PermissionStatus = "pending"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionExpired PermissionStatus = "expired"
)

// PendingPermission is a worker's permission request queued while awaiting a
// coordinator decision.
type PendingPermission struct {
	RequestID   string           `json:"request_id"`
	AgentID     string           `json:"agent_id"`
	Action      string           `json:"action"`
	Resource    string           `json:"resource"`
	Context     string           `json:"context,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
	Status      PermissionStatus `json:"status"`
}

// State is the complete persisted session document. Secrets live inside it;
// protection is delegated to the filesystem.
type State struct {
	ID              string                        `json:"session_id"`
	DisplayName     string                        `json:"display_name"`
	CreatedAt       time.Time                     `json:"created_at"`
	Namespace       string                        `json:"namespace"`
	NamespaceSecret string                        `json:"namespace_secret"`
	Coordinator     mailbox.Identity              `json:"coordinator"`
	RoomID          string                        `json:"room_id"`
	Agents          map[string]*Agent             `json:"agents"`
	Humans          map[string]*Human             `json:"humans"`
	Pending         map[string]*PendingPermission `json:"pending_permissions"`
}

// clone deep-copies the state so snapshots never alias store internals.
func (st *State) clone() State {
	out := *st
	out.Agents = make(map[string]*Agent, len(st.Agents))
	for id, a := range st.Agents {
		copied := *a
		out.Agents[id] = &copied
	}
	out.Humans = make(map[string]*Human, len(st.Humans))
	for id, h := range st.Humans {
		copied := *h
		out.Humans[id] = &copied
	}
	out.Pending = make(map[string]*PendingPermission, len(st.Pending))
	for id, p := range st.Pending {
		copied := *p
		out.Pending[id] = &copied
	}
	return out
}
