package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/convoy/internal/mailbox/memory"
	"github.com/zjrosen/convoy/internal/pubsub"
)

func newStore(t *testing.T) (*Store, *memory.Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc := memory.New()
	store, err := Create(context.Background(), svc, dir, "test session")
	require.NoError(t, err)
	return store, svc, dir
}

// registerWorker allocates a real mailbox identity for an agent and registers
// it in the store.
func registerWorker(t *testing.T, store *Store, svc *memory.Service, agentID string) {
	t.Helper()
	ctx := context.Background()
	ident, err := svc.CreateIdentity(ctx, store.Namespace(), agentID, store.NamespaceSecret())
	require.NoError(t, err)
	require.NoError(t, store.RegisterAgent(agentID, ident.ID, ident.Secret, agentID, "ws-"+agentID))
}

func TestCreate_PersistsSessionFile(t *testing.T) {
	store, _, dir := newStore(t)

	data, err := os.ReadFile(filepath.Join(dir, store.ID()+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), store.ID())
	assert.Contains(t, string(data), store.Namespace())
}

func TestResume_MissingSession(t *testing.T) {
	svc := memory.New()
	_, err := Resume(context.Background(), svc, t.TempDir(), "no-such-session", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResume_RoundTripsState(t *testing.T) {
	store, svc, dir := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.UpdateAgentState("A1", StateWorking, WithTaskID("T1")))
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "rm -rf /tmp/x", "cleanup"))
	require.NoError(t, store.RegisterHuman("id-human", "reviewer"))

	resumed, err := Resume(context.Background(), svc, dir, store.ID(), false)
	require.NoError(t, err)

	assert.Equal(t, store.Snapshot(), resumed.Snapshot())
}

func TestRegisterAgent_StartsSpawning(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	a, err := store.GetAgent("A1")
	require.NoError(t, err)
	assert.Equal(t, StateSpawning, a.State)
	assert.Empty(t, a.CurrentTaskID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestUpdateAgentState_WorkingRequiresTask(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	err := store.UpdateAgentState("A1", StateWorking)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// The rejected update left the entry untouched.
	a, err := store.GetAgent("A1")
	require.NoError(t, err)
	assert.Equal(t, StateSpawning, a.State)

	require.NoError(t, store.UpdateAgentState("A1", StateWorking, WithTaskID("T1")))
	a, err = store.GetAgent("A1")
	require.NoError(t, err)
	assert.Equal(t, StateWorking, a.State)
	assert.Equal(t, "T1", a.CurrentTaskID)
}

func TestUpdateAgentState_IdleClearsTask(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.UpdateAgentState("A1", StateWorking, WithTaskID("T1")))

	require.NoError(t, store.UpdateAgentState("A1", StateIdle))
	a, err := store.GetAgent("A1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
	assert.Empty(t, a.CurrentTaskID)
}

func TestUpdateAgentState_UnknownAgent(t *testing.T) {
	store, _, _ := newStore(t)
	err := store.UpdateAgentState("ghost", StateIdle)
	require.ErrorIs(t, err, ErrAgentUnknown)
}

func TestUpdateAgentState_TerminatedIsTerminal(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.UpdateAgentState("A1", StateTerminated))

	err := store.UpdateAgentState("A1", StateIdle)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Terminated to terminated is a no-op, not an error.
	require.NoError(t, store.UpdateAgentState("A1", StateTerminated))
}

func TestUpdateAgentLastSeen_Monotonic(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	require.NoError(t, store.UpdateAgentLastSeen("A1"))
	first, err := store.GetAgent("A1")
	require.NoError(t, err)
	require.False(t, first.LastSeen.IsZero())

	require.NoError(t, store.UpdateAgentLastSeen("A1"))
	second, err := store.GetAgent("A1")
	require.NoError(t, err)
	assert.False(t, second.LastSeen.Before(first.LastSeen))
}

func TestRemoveAgent(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	require.NoError(t, store.RemoveAgent("A1"))
	_, err := store.GetAgent("A1")
	require.ErrorIs(t, err, ErrAgentUnknown)

	require.ErrorIs(t, store.RemoveAgent("A1"), ErrAgentUnknown)
}

func TestListAgents_FiltersByState(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	registerWorker(t, store, svc, "A2")
	registerWorker(t, store, svc, "A3")
	require.NoError(t, store.UpdateAgentState("A2", StateWorking, WithTaskID("T1")))

	all := store.ListAgents("")
	assert.Len(t, all, 3)

	working := store.ListAgents(StateWorking)
	require.Len(t, working, 1)
	assert.Equal(t, "A2", working[0].AgentID)

	counts := store.CountsByState()
	assert.Equal(t, 2, counts[StateSpawning])
	assert.Equal(t, 1, counts[StateWorking])
}

func TestAddAgentToRoom_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	ok, err := store.AddAgentToRoom(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AddAgentToRoom(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := svc.ListRoomMembers(ctx, store.Namespace(), store.RoomID(), store.Coordinator().Secret)
	require.NoError(t, err)
	assert.Len(t, members, 2) // coordinator + A1
}

func TestQueuePermission_LaterRequestWins(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "ls", "first"))
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "rm", "second"))

	p, ok := store.GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, "rm", p.Resource)
	assert.Equal(t, PermissionPending, p.Status)
	assert.Len(t, store.ListPendingPermissions(), 1)
}

func TestUpdatePendingPermission(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "ls", ""))

	require.NoError(t, store.UpdatePendingPermission("R1", PermissionGranted))
	p, ok := store.GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, PermissionGranted, p.Status)

	require.ErrorIs(t, store.UpdatePendingPermission("nope", PermissionDenied), ErrUnknownRequest)
}

func TestRemovePendingPermission(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "ls", ""))

	require.NoError(t, store.RemovePendingPermission("R1"))
	_, ok := store.GetPendingPermission("R1")
	assert.False(t, ok)

	require.ErrorIs(t, store.RemovePendingPermission("R1"), ErrUnknownRequest)
}

func TestClearExpiredPermissions_MarksNeverRemoves(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "ls", ""))
	require.NoError(t, store.QueuePermission("R2", "A1", "shell", "rm", ""))
	require.NoError(t, store.UpdatePendingPermission("R2", PermissionGranted))

	count, err := store.ClearExpiredPermissions(0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p, ok := store.GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, PermissionExpired, p.Status)

	// Non-pending entries are untouched.
	p, ok = store.GetPendingPermission("R2")
	require.True(t, ok)
	assert.Equal(t, PermissionGranted, p.Status)

	// A second sweep finds nothing left to mark.
	count, err = store.ClearExpiredPermissions(0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestListPendingPermissions_FiltersDanglingAgents(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")
	registerWorker(t, store, svc, "A2")
	require.NoError(t, store.QueuePermission("R1", "A1", "shell", "ls", ""))
	require.NoError(t, store.QueuePermission("R2", "A2", "shell", "rm", ""))

	require.NoError(t, store.RemoveAgent("A2"))

	pending := store.ListPendingPermissions()
	require.Len(t, pending, 1)
	assert.Equal(t, "R1", pending[0].RequestID)

	// The dangling entry still exists, it is only filtered from listings.
	_, ok := store.GetPendingPermission("R2")
	assert.True(t, ok)
}

func TestAgentByIdentity(t *testing.T) {
	store, svc, _ := newStore(t)
	registerWorker(t, store, svc, "A1")

	a, err := store.GetAgent("A1")
	require.NoError(t, err)

	found, ok := store.AgentByIdentity(a.IdentityID)
	require.True(t, ok)
	assert.Equal(t, "A1", found.AgentID)

	_, ok = store.AgentByIdentity("id-unknown")
	assert.False(t, ok)
}

// TestStoreInvariants drives the store through random operation sequences and
// checks that working agents always carry a task id and idle agents never do.
func TestStoreInvariants(t *testing.T) {
	baseDir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(baseDir, "run")
		if err != nil {
			rt.Fatalf("tempdir: %v", err)
		}
		svc := memory.New()
		store, err := Create(context.Background(), svc, dir, "invariants")
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		agentIDs := []string{"A1", "A2", "A3"}
		for _, id := range agentIDs {
			ident, err := svc.CreateIdentity(context.Background(), store.Namespace(), id, store.NamespaceSecret())
			if err != nil {
				rt.Fatalf("identity: %v", err)
			}
			if err := store.RegisterAgent(id, ident.ID, ident.Secret, id, ""); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		states := []AgentState{StateStarting, StateIdle, StateWorking, StateWaitingPermission, StateTerminated}
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			agentID := rapid.SampledFrom(agentIDs).Draw(rt, "agent")
			state := rapid.SampledFrom(states).Draw(rt, "state")

			var updateErr error
			if state == StateWorking {
				task := rapid.StringMatching(`T[0-9]{1,3}`).Draw(rt, "task")
				updateErr = store.UpdateAgentState(agentID, state, WithTaskID(task))
			} else {
				updateErr = store.UpdateAgentState(agentID, state)
			}
			// Transitions out of terminated legitimately fail; nothing else
			// should.
			if updateErr != nil {
				a, getErr := store.GetAgent(agentID)
				if getErr != nil || a.State != StateTerminated {
					rt.Fatalf("unexpected update failure: %v", updateErr)
				}
			}

			for _, a := range store.ListAgents("") {
				if a.State == StateWorking && a.CurrentTaskID == "" {
					rt.Fatalf("agent %s working without task id", a.AgentID)
				}
				if (a.State == StateIdle || a.State == StateTerminated) && a.CurrentTaskID != "" {
					rt.Fatalf("agent %s in %s with task id %q", a.AgentID, a.State, a.CurrentTaskID)
				}
			}
		}
	})
}

func TestWatchForeignWrites_FlagsOtherWriters(t *testing.T) {
	store, _, _ := newStore(t)

	broker := pubsub.NewBroker[Change]()
	store.broker = broker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := broker.Subscribe(ctx)

	require.NoError(t, store.WatchForeignWrites(ctx))

	// Let the self-write grace from Create expire.
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{}`), 0600))

	select {
	case ev := <-sub:
		assert.Equal(t, "foreign_write", ev.Payload.Op)
	case <-time.After(3 * time.Second):
		t.Fatal("foreign write was not flagged")
	}
}
