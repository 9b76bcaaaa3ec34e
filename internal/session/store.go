package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/mailbox"
	"github.com/zjrosen/convoy/internal/pubsub"
)

// Change describes one persisted mutation, published on the store's broker
// for observers (the MCP event stream, the foreign-write watcher).
type Change struct {
	SessionID string
	Op        string
	Subject   string
}

// Store owns one session's durable state. The coordinator is the single
// mutator; the mutex only guards against observers (watcher, event
// subscribers) racing a mutation in flight.
//
// Every mutating operation persists the full document before returning.
type Store struct {
	mu     sync.Mutex
	dir    string
	client mailbox.Client
	state  *State
	broker *pubsub.Broker[Change]

	// lastPersist lets the foreign-write watcher distinguish the store's own
	// renames from writes by another process.
	lastPersist atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithBroker attaches a change broker; every persisted mutation publishes one
// Change event.
func WithBroker(b *pubsub.Broker[Change]) Option {
	return func(s *Store) {
		s.broker = b
	}
}

// AgentUpdate customizes UpdateAgentState.
type AgentUpdate func(*Agent)

// WithTaskID records the task the agent is working on. Required when
// transitioning to working.
func WithTaskID(taskID string) AgentUpdate {
	return func(a *Agent) {
		a.CurrentTaskID = taskID
	}
}

// WithTmuxSession records the local tmux session label for the agent.
func WithTmuxSession(name string) AgentUpdate {
	return func(a *Agent) {
		a.TmuxSession = name
	}
}

// WithSeenAt stamps last_seen from a message's server timestamp instead of
// the wall clock. Still monotonic: an older timestamp never rolls it back.
func WithSeenAt(ts time.Time) AgentUpdate {
	return func(a *Agent) {
		a.LastSeen = ts
	}
}

// Create allocates a new session: a namespace, the coordinator identity, and
// the coordination room, all through the mailbox client. The session is
// persisted before Create returns.
func Create(ctx context.Context, client mailbox.Client, dir, displayName string, opts ...Option) (*Store, error) {
	ns, err := client.CreateNamespace(ctx, displayName)
	if err != nil {
		return nil, fmt.Errorf("allocating namespace: %w", err)
	}

	coordinator, err := client.CreateIdentity(ctx, ns.NS, "coordinator", ns.Secret)
	if err != nil {
		return nil, fmt.Errorf("allocating coordinator identity: %w", err)
	}

	roomID, err := client.CreateRoom(ctx, ns.NS, coordinator.Secret, "coordination")
	if err != nil {
		return nil, fmt.Errorf("creating coordination room: %w", err)
	}

	s := &Store{
		dir:    dir,
		client: client,
		state: &State{
			ID:              uuid.NewString(),
			DisplayName:     displayName,
			CreatedAt:       time.Now().UTC(),
			Namespace:       ns.NS,
			NamespaceSecret: ns.Secret,
			Coordinator:     coordinator,
			RoomID:          roomID,
			Agents:          make(map[string]*Agent),
			Humans:          make(map[string]*Human),
			Pending:         make(map[string]*PendingPermission),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "Created session", "sessionID", s.state.ID, "namespace", ns.NS)
	s.publish("create_session", s.state.ID)
	return s, nil
}

// Resume loads a persisted session from dir. When sync is true the
// reconciler replays room history to repair agent state; mailbox failures
// during reconciliation degrade to no updates rather than failing the
// resume.
func Resume(ctx context.Context, client mailbox.Client, dir, sessionID string, sync bool, opts ...Option) (*Store, error) {
	path := filepath.Join(dir, sessionID+".json")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from the trusted data dir
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}
	if st.Agents == nil {
		st.Agents = make(map[string]*Agent)
	}
	if st.Humans == nil {
		st.Humans = make(map[string]*Human)
	}
	if st.Pending == nil {
		st.Pending = make(map[string]*PendingPermission)
	}

	s := &Store{dir: dir, client: client, state: &st}
	for _, opt := range opts {
		opt(s)
	}

	log.Info(log.CatSession, "Resumed session", "sessionID", st.ID, "agents", len(st.Agents))
	if sync {
		s.Reconcile(ctx)
	}
	return s, nil
}

// ID returns the stable session identifier.
func (s *Store) ID() string { return s.state.ID }

// Namespace returns the session's mailbox namespace handle.
func (s *Store) Namespace() string { return s.state.Namespace }

// NamespaceSecret returns the namespace secret used to mint identities.
func (s *Store) NamespaceSecret() string { return s.state.NamespaceSecret }

// Coordinator returns the coordinator's mailbox identity.
func (s *Store) Coordinator() mailbox.Identity { return s.state.Coordinator }

// RoomID returns the coordination room id.
func (s *Store) RoomID() string { return s.state.RoomID }

// Path returns the session document's path on disk.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.state.ID+".json")
}

// RegisterAgent inserts a new agent in the spawning state.
func (s *Store) RegisterAgent(agentID, identityID, identitySecret, displayName, workspaceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Agents[agentID] = &Agent{
		AgentID:        agentID,
		IdentityID:     identityID,
		IdentitySecret: identitySecret,
		DisplayName:    displayName,
		WorkspaceName:  workspaceName,
		State:          StateSpawning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("register_agent", agentID)
	return nil
}

// UpdateAgentState transitions an agent and refreshes last_seen. Transitions
// out of terminated are rejected; working requires WithTaskID; idle clears
// the current task.
func (s *Store) UpdateAgentState(agentID string, state AgentState, updates ...AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.Agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	if a.State == StateTerminated && state != StateTerminated {
		return fmt.Errorf("%w: %s is terminated", ErrIllegalTransition, agentID)
	}

	// Stage on a copy so a rejected update leaves the entry untouched.
	updated := *a
	updated.State = state
	for _, update := range updates {
		update(&updated)
	}
	switch state {
	case StateWorking:
		if updated.CurrentTaskID == "" {
			return fmt.Errorf("%w: working requires a task id", ErrIllegalTransition)
		}
	case StateIdle, StateTerminated:
		updated.CurrentTaskID = ""
	}

	seenAt := updated.LastSeen
	updated.LastSeen = a.LastSeen
	*a = updated
	if seenAt.Equal(a.LastSeen) {
		// No WithSeenAt given; stamp with the wall clock.
		seenAt = time.Now().UTC()
	}
	s.touchLocked(a, seenAt)

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("update_agent_state", agentID)
	return nil
}

// UpdateAgentLastSeen refreshes the agent's last_seen to now without touching
// state.
func (s *Store) UpdateAgentLastSeen(agentID string) error {
	return s.UpdateAgentSeenAt(agentID, time.Now().UTC())
}

// UpdateAgentSeenAt advances last_seen to a message's server timestamp
// without touching state. Monotonic; an older timestamp is a no-op.
func (s *Store) UpdateAgentSeenAt(agentID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.Agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	s.touchLocked(a, ts)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("update_agent_last_seen", agentID)
	return nil
}

// RemoveAgent drops the registry entry. Termination does not delete; this is
// the only removal path.
func (s *Store) RemoveAgent(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	delete(s.state.Agents, agentID)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("remove_agent", agentID)
	return nil
}

// GetAgent returns a copy of the agent's registry entry.
func (s *Store) GetAgent(agentID string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.Agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	return *a, nil
}

// AgentByIdentity resolves a mailbox identity id to its agent entry.
func (s *Store) AgentByIdentity(identityID string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.state.Agents {
		if a.IdentityID == identityID {
			return *a, true
		}
	}
	return Agent{}, false
}

// ListAgents returns agents, optionally filtered to one state. An empty
// filter returns everything.
func (s *Store) ListAgents(filter AgentState) []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Agent
	for _, a := range s.state.Agents {
		if filter == "" || a.State == filter {
			out = append(out, *a)
		}
	}
	return out
}

// CountsByState tallies agents per lifecycle state.
func (s *Store) CountsByState() map[AgentState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[AgentState]int)
	for _, a := range s.state.Agents {
		counts[a.State]++
	}
	return counts
}

// RegisterHuman records a human participant.
func (s *Store) RegisterHuman(identityID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Humans[identityID] = &Human{
		IdentityID:  identityID,
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("register_human", identityID)
	return nil
}

// ListHumans returns the registered humans.
func (s *Store) ListHumans() []Human {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Human, 0, len(s.state.Humans))
	for _, h := range s.state.Humans {
		out = append(out, *h)
	}
	return out
}

// AddAgentToRoom adds the agent's identity to the coordination room.
// Idempotent in effect; returns whether the add succeeded.
func (s *Store) AddAgentToRoom(ctx context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	a, ok := s.state.Agents[agentID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	identityID := a.IdentityID
	s.mu.Unlock()

	return s.addToRoom(ctx, identityID)
}

// AddHumanToRoom adds a human identity to the coordination room.
func (s *Store) AddHumanToRoom(ctx context.Context, identityID string) (bool, error) {
	return s.addToRoom(ctx, identityID)
}

func (s *Store) addToRoom(ctx context.Context, identityID string) (bool, error) {
	err := s.client.AddRoomMember(ctx, s.state.Namespace, s.state.RoomID, identityID, s.state.Coordinator.Secret)
	if err != nil {
		return false, fmt.Errorf("adding %s to room: %w", identityID, err)
	}
	return true, nil
}

// QueuePermission inserts a pending permission request. A duplicate
// request_id overwrites the existing entry; the later request wins.
func (s *Store) QueuePermission(requestID, agentID, action, resource, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Pending[requestID] = &PendingPermission{
		RequestID:   requestID,
		AgentID:     agentID,
		Action:      action,
		Resource:    resource,
		Context:     context,
		RequestedAt: time.Now().UTC(),
		Status:      PermissionPending,
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("queue_permission", requestID)
	return nil
}

// HasPendingPermission reports whether the request id is already queued.
func (s *Store) HasPendingPermission(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.state.Pending[requestID]
	return ok
}

// GetPendingPermission returns a copy of one queued request.
func (s *Store) GetPendingPermission(requestID string) (PendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Pending[requestID]
	if !ok {
		return PendingPermission{}, false
	}
	return *p, true
}

// UpdatePendingPermission sets the request's status, preserving everything
// else.
func (s *Store) UpdatePendingPermission(requestID string, status PermissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	p.Status = status
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("update_pending_permission", requestID)
	return nil
}

// RemovePendingPermission drops the entry.
func (s *Store) RemovePendingPermission(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Pending[requestID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(s.state.Pending, requestID)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.publish("remove_pending_permission", requestID)
	return nil
}

// ListPendingPermissions returns queued requests whose agent is still
// registered. Dangling references are filtered, not an error.
func (s *Store) ListPendingPermissions() []PendingPermission {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PendingPermission
	for _, p := range s.state.Pending {
		if _, ok := s.state.Agents[p.AgentID]; !ok {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// ClearExpiredPermissions marks every pending entry older than maxAge as
// expired and returns the count. Entries are marked, never removed.
func (s *Store) ClearExpiredPermissions(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	count := 0
	for _, p := range s.state.Pending {
		if p.Status == PermissionPending && p.RequestedAt.Before(cutoff) {
			p.Status = PermissionExpired
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	s.publish("clear_expired_permissions", fmt.Sprintf("%d", count))
	return count, nil
}

// Snapshot returns a deep copy of the full session state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// touchLocked advances last_seen monotonically. Caller must hold s.mu.
func (s *Store) touchLocked(a *Agent, ts time.Time) {
	if ts.After(a.LastSeen) {
		a.LastSeen = ts
	}
}

// persistLocked writes the full document to a temp file and renames it into
// place. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling: %v", ErrPersistFailed, err)
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("%w: creating data dir: %v", ErrPersistFailed, err)
	}

	path := filepath.Join(s.dir, s.state.ID+".json")
	tmp, err := os.CreateTemp(s.dir, s.state.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrPersistFailed, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: writing temp file: %v", ErrPersistFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file: %v", ErrPersistFailed, err)
	}

	s.lastPersist.Store(time.Now().UnixNano())
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: renaming into place: %v", ErrPersistFailed, err)
	}
	return nil
}

func (s *Store) publish(op, subject string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(pubsub.UpdatedEvent, Change{
		SessionID: s.state.ID,
		Op:        op,
		Subject:   subject,
	})
}
