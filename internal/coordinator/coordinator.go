// Package coordinator implements the tool surface the coordinator agent
// drives a session through: spawning agents, dispatching tasks, polling the
// mailbox, and mediating permission requests. Tools are methods on a
// session-scoped Coordinator; there is no global state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/convoy/internal/comms"
	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/mailbox"
	"github.com/zjrosen/convoy/internal/protocol"
	"github.com/zjrosen/convoy/internal/session"
)

// Coordinator errors. Callers classify with errors.Is.
var (
	// ErrAmbiguousAgent means permission inference could not narrow a
	// request to one registered agent; the caller must supply agent_id.
	ErrAmbiguousAgent = errors.New("ambiguous agent for permission request")
	// ErrInvalidDecision means a permission decision was neither allow nor
	// deny.
	ErrInvalidDecision = errors.New("invalid permission decision")
)

// Invite is the credential payload handed to the launcher at spawn. It is
// the only path worker secrets cross the process boundary.
type Invite struct {
	Namespace             string `json:"namespace"`
	IdentityID            string `json:"identity_id"`
	IdentitySecret        string `json:"identity_secret"`
	CoordinatorIdentityID string `json:"coordinator_identity_id"`
	RoomID                string `json:"room_id"`
}

// Launcher starts worker processes. The core allocates identities and builds
// the invite; how a worker actually comes up (local tmux, remote workspace)
// is the launcher's business.
type Launcher interface {
	Launch(ctx context.Context, agentID string, invite Invite, remote bool) error
}

// NopLauncher satisfies Launcher without starting anything. Tests and
// externally supervised workers use it.
type NopLauncher struct{}

// Launch does nothing.
func (NopLauncher) Launch(context.Context, string, Invite, bool) error { return nil }

// TaskSpec describes one task assignment.
type TaskSpec struct {
	TaskID      string
	Description string
	Context     map[string]any
	Deadline    string
}

// Coordinator is the session-scoped tool surface. Tool calls are expected to
// run sequentially on the coordinator agent's loop; only PollMessages moves
// its blocking portion off that loop.
type Coordinator struct {
	store    *session.Store
	client   mailbox.Client
	comms    *comms.Context
	launcher Launcher
	cursor   comms.Cursor
	dedup    *dedup
}

// New creates a Coordinator over an existing session store.
func New(store *session.Store, client mailbox.Client, launcher Launcher) *Coordinator {
	if launcher == nil {
		launcher = NopLauncher{}
	}
	return &Coordinator{
		store:    store,
		client:   client,
		comms:    comms.New(client, store.Namespace(), store.Coordinator(), store.Coordinator().ID, store.RoomID()),
		launcher: launcher,
		dedup:    newDedup(dedupWindow),
	}
}

// Store exposes the underlying session store.
func (c *Coordinator) Store() *session.Store { return c.store }

// SpawnAgent allocates a mailbox identity, registers the agent in spawning,
// adds it to the coordination room, and hands the invite to the launcher.
func (c *Coordinator) SpawnAgent(ctx context.Context, workspaceName, displayName string, remote bool) (string, error) {
	agentID := "agent-" + uuid.NewString()[:8]
	if displayName == "" {
		displayName = agentID
	}

	ident, err := c.client.CreateIdentity(ctx, c.store.Namespace(), displayName, c.store.NamespaceSecret())
	if err != nil {
		return "", fmt.Errorf("allocating identity: %w", err)
	}
	if err := c.store.RegisterAgent(agentID, ident.ID, ident.Secret, displayName, workspaceName); err != nil {
		return "", err
	}
	if _, err := c.store.AddAgentToRoom(ctx, agentID); err != nil {
		return "", err
	}

	invite := Invite{
		Namespace:             c.store.Namespace(),
		IdentityID:            ident.ID,
		IdentitySecret:        ident.Secret,
		CoordinatorIdentityID: c.store.Coordinator().ID,
		RoomID:                c.store.RoomID(),
	}
	if err := c.launcher.Launch(ctx, agentID, invite, remote); err != nil {
		return "", fmt.Errorf("launching %s: %w", agentID, err)
	}

	log.Info(log.CatCoord, "Spawned agent", "agentID", agentID, "identityID", ident.ID, "remote", remote)
	return fmt.Sprintf("Spawned %s (%s) in state spawning; launcher notified.", agentID, displayName), nil
}

// AssignTask sends a TaskAssign to the agent and, only after the send
// succeeds, transitions it to working. A failed send leaves state untouched;
// the tool is re-entrant.
func (c *Coordinator) AssignTask(ctx context.Context, agentID string, spec TaskSpec) (string, error) {
	a, err := c.store.GetAgent(agentID)
	if err != nil {
		return "", err
	}
	if a.State == session.StateTerminated {
		return "", fmt.Errorf("%w: %s is terminated", session.ErrIllegalTransition, agentID)
	}

	msg := &protocol.TaskAssign{
		TaskID:      spec.TaskID,
		Description: spec.Description,
		Context:     spec.Context,
		Deadline:    spec.Deadline,
	}
	if err := c.comms.Send(ctx, a.IdentityID, msg); err != nil {
		return "", err
	}
	if err := c.store.UpdateAgentState(agentID, session.StateWorking, session.WithTaskID(spec.TaskID)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Assigned task %s to %s.", spec.TaskID, agentID), nil
}

// SendAnswer relays a coordinator answer to a worker question. No state
// change.
func (c *Coordinator) SendAnswer(ctx context.Context, agentID, questionID, taskID, answer string) (string, error) {
	a, err := c.store.GetAgent(agentID)
	if err != nil {
		return "", err
	}
	msg := &protocol.Answer{QuestionID: questionID, TaskID: taskID, Answer: answer}
	if err := c.comms.Send(ctx, a.IdentityID, msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Answered question %s for %s.", questionID, agentID), nil
}

// TerminateAgent sends a Terminate and marks the agent terminated. The
// registry entry survives; RemoveAgent prunes it.
func (c *Coordinator) TerminateAgent(ctx context.Context, agentID, reason string) (string, error) {
	a, err := c.store.GetAgent(agentID)
	if err != nil {
		return "", err
	}
	if err := c.comms.Send(ctx, a.IdentityID, &protocol.Terminate{Reason: reason}); err != nil {
		return "", err
	}
	if err := c.store.UpdateAgentState(agentID, session.StateTerminated); err != nil {
		return "", err
	}
	return fmt.Sprintf("Terminated %s.", agentID), nil
}

// Broadcast posts an announcement to the coordination room as a Progress
// message.
func (c *Coordinator) Broadcast(ctx context.Context, message, taskID string) (string, error) {
	msg := &protocol.Progress{TaskID: taskID, Message: message}
	if err := c.comms.Broadcast(ctx, msg); err != nil {
		return "", err
	}
	return "Broadcast sent to coordination room.", nil
}

// RemoveAgent drops an agent from the registry.
func (c *Coordinator) RemoveAgent(agentID string) (string, error) {
	if err := c.store.RemoveAgent(agentID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %s from the registry.", agentID), nil
}

// CreateHumanInvite allocates a human identity, registers it, adds it to the
// coordination room, and returns the credentials the CLI surfaces to the
// user.
func (c *Coordinator) CreateHumanInvite(ctx context.Context, displayName string) (string, error) {
	ident, err := c.client.CreateIdentity(ctx, c.store.Namespace(), displayName, c.store.NamespaceSecret())
	if err != nil {
		return "", fmt.Errorf("allocating human identity: %w", err)
	}
	if err := c.store.RegisterHuman(ident.ID, displayName); err != nil {
		return "", err
	}
	if _, err := c.store.AddHumanToRoom(ctx, ident.ID); err != nil {
		return "", err
	}

	log.Info(log.CatCoord, "Created human invite", "identityID", ident.ID, "displayName", displayName)
	return fmt.Sprintf("Invite for %s:\n  namespace: %s\n  identity_id: %s\n  identity_secret: %s\n  room_id: %s",
		displayName, c.store.Namespace(), ident.ID, ident.Secret, c.store.RoomID()), nil
}

// ListAgents formats the registry, optionally filtered to one state.
func (c *Coordinator) ListAgents(stateFilter string, showDetails bool) (string, error) {
	filter := session.AgentState(stateFilter)
	if stateFilter != "" && !filter.Valid() {
		return "", fmt.Errorf("unknown state filter %q", stateFilter)
	}

	agents := c.store.ListAgents(filter)
	if len(agents) == 0 {
		if stateFilter != "" {
			return fmt.Sprintf("No agents in state %s.", stateFilter), nil
		}
		return "No agents registered.", nil
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	var b strings.Builder
	fmt.Fprintf(&b, "%d agent(s):\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s [%s]", a.AgentID, a.State)
		if a.CurrentTaskID != "" {
			fmt.Fprintf(&b, " task=%s", a.CurrentTaskID)
		}
		if showDetails {
			fmt.Fprintf(&b, " identity=%s workspace=%s", a.IdentityID, a.WorkspaceName)
			if !a.LastSeen.IsZero() {
				fmt.Fprintf(&b, " last_seen=%s", a.LastSeen.Format(time.RFC3339))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// GetSessionState summarizes the session: agent counts by state, humans, and
// queued permissions.
func (c *Coordinator) GetSessionState() (string, error) {
	counts := c.store.CountsByState()
	humans := c.store.ListHumans()
	pending := c.store.ListPendingPermissions()

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)\n", c.store.ID(), c.store.Namespace())

	total := 0
	states := make([]string, 0, len(counts))
	for state, n := range counts {
		states = append(states, fmt.Sprintf("%s=%d", state, n))
		total += n
	}
	sort.Strings(states)
	fmt.Fprintf(&b, "Agents: %d", total)
	if len(states) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(states, ", "))
	}
	b.WriteString("\n")

	open := 0
	for _, p := range pending {
		if p.Status == session.PermissionPending {
			open++
		}
	}
	fmt.Fprintf(&b, "Humans: %d\n", len(humans))
	fmt.Fprintf(&b, "Pending permissions: %d open, %d total", open, len(pending))
	return b.String(), nil
}

// CheckAgentHealth triages non-terminated agents by last_seen age.
func (c *Coordinator) CheckAgentHealth(staleAfter time.Duration) (string, error) {
	agents := c.store.ListAgents("")
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	cutoff := time.Now().Add(-staleAfter)
	var healthy, stale, neverSeen []string
	for _, a := range agents {
		if a.State == session.StateTerminated {
			continue
		}
		switch {
		case a.LastSeen.IsZero() && a.CreatedAt.Before(cutoff):
			neverSeen = append(neverSeen, a.AgentID)
		case a.LastSeen.IsZero():
			// Recently created, nothing heard yet; give it the benefit.
			healthy = append(healthy, a.AgentID)
		case a.LastSeen.Before(cutoff):
			stale = append(stale, a.AgentID)
		default:
			healthy = append(healthy, a.AgentID)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Health (stale after %s):\n", staleAfter)
	fmt.Fprintf(&b, "- healthy: %s\n", orNone(healthy))
	fmt.Fprintf(&b, "- stale: %s\n", orNone(stale))
	fmt.Fprintf(&b, "- never seen: %s", orNone(neverSeen))
	return b.String(), nil
}

func orNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
