package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/convoy/internal/comms"
	"github.com/zjrosen/convoy/internal/coordinator"
	"github.com/zjrosen/convoy/internal/mailbox"
	"github.com/zjrosen/convoy/internal/mailbox/memory"
	"github.com/zjrosen/convoy/internal/protocol"
	"github.com/zjrosen/convoy/internal/session"
)

func newCoordinatorServer(t *testing.T) (*CoordinatorServer, *session.Store, *memory.Service) {
	t.Helper()
	svc := memory.New()
	store, err := session.Create(context.Background(), svc, t.TempDir(), "mcp test")
	require.NoError(t, err)
	coord := coordinator.New(store, svc, coordinator.NopLauncher{})
	return NewCoordinatorServer(coord), store, svc
}

// call invokes one registered tool directly, the way the serve loop would.
func call(t *testing.T, cs *CoordinatorServer, name string, args string) *ToolCallResult {
	t.Helper()
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	require.NoError(t, err)
	result, rpcErr := cs.handleToolsCall(params)
	require.Nil(t, rpcErr)
	tc, ok := result.(*ToolCallResult)
	require.True(t, ok)
	return tc
}

func TestCoordinatorServer_RegistersFullToolSurface(t *testing.T) {
	cs, _, _ := newCoordinatorServer(t)

	result, rpcErr := cs.handleToolsList()
	require.Nil(t, rpcErr)
	list, ok := result.(ToolsListResult)
	require.True(t, ok)

	names := make(map[string]bool, len(list.Tools))
	for _, tool := range list.Tools {
		names[tool.Name] = true
		require.NotNil(t, tool.InputSchema, tool.Name)
		require.NotEmpty(t, tool.Description, tool.Name)
	}
	for _, want := range []string{
		"spawn_agent", "message_agent", "broadcast", "poll_messages",
		"list_agents", "get_session_state", "create_human_invite",
		"grant_permission", "grant_queued_permission", "escalate_to_user",
		"list_pending_permissions", "clear_expired_permissions",
		"check_agent_health", "remove_agent",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestCoordinatorServer_SpawnThenTask(t *testing.T) {
	cs, store, _ := newCoordinatorServer(t)

	result := call(t, cs, "spawn_agent", `{"workspace_name":"repo","display_name":"builder"}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Spawned")

	agents := store.ListAgents("")
	require.Len(t, agents, 1)
	agentID := agents[0].AgentID

	result = call(t, cs, "message_agent",
		fmt.Sprintf(`{"agent_id":%q,"message_type":"task","task_id":"T1","description":"do X"}`, agentID))
	require.False(t, result.IsError)

	a, err := store.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, session.StateWorking, a.State)
	assert.Equal(t, "T1", a.CurrentTaskID)
}

func TestCoordinatorServer_MessageAgentValidation(t *testing.T) {
	cs, _, _ := newCoordinatorServer(t)

	result := call(t, cs, "message_agent", `{"agent_id":"A1","message_type":"task"}`)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "task_id")

	result = call(t, cs, "message_agent", `{"agent_id":"A1","message_type":"poke"}`)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "message_type")
}

func TestCoordinatorServer_PollAndState(t *testing.T) {
	cs, _, _ := newCoordinatorServer(t)

	result := call(t, cs, "poll_messages", `{}`)
	require.False(t, result.IsError)
	assert.Equal(t, "No new messages.", result.Content[0].Text)

	result = call(t, cs, "get_session_state", `{}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Agents: 0")
}

func TestCoordinatorServer_UnknownAgentErrorsAreToolResults(t *testing.T) {
	cs, _, _ := newCoordinatorServer(t)

	result := call(t, cs, "remove_agent", `{"agent_id":"agent-missing"}`)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "agent-missing")
}

func TestCoordinatorServer_PermissionFlow(t *testing.T) {
	cs, store, _ := newCoordinatorServer(t)

	result := call(t, cs, "spawn_agent", `{"workspace_name":"repo"}`)
	require.False(t, result.IsError)
	agentID := store.ListAgents("")[0].AgentID

	require.NoError(t, store.QueuePermission("R1", agentID, "shell", "rm", "cleanup"))

	result = call(t, cs, "list_pending_permissions", `{}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "[R1]")

	result = call(t, cs, "grant_queued_permission", `{"request_id":"R1","decision":"allow"}`)
	require.False(t, result.IsError)

	p, ok := store.GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, session.PermissionGranted, p.Status)

	result = call(t, cs, "clear_expired_permissions", `{"max_age_hours":0}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "No expired")
}

func TestCoordinatorServer_SpawnWithoutArguments(t *testing.T) {
	cs, store, _ := newCoordinatorServer(t)

	result := call(t, cs, "spawn_agent", `{}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Spawned")
	require.Len(t, store.ListAgents(""), 1)
}

func TestCoordinatorServer_TaskContextReachesAgent(t *testing.T) {
	cs, store, svc := newCoordinatorServer(t)

	result := call(t, cs, "spawn_agent", `{"workspace_name":"repo"}`)
	require.False(t, result.IsError)
	a := store.ListAgents("")[0]

	result = call(t, cs, "message_agent",
		fmt.Sprintf(`{"agent_id":%q,"message_type":"task","task_id":"T1","description":"do X","context":{"branch":"main","attempt":2}}`, a.AgentID))
	require.False(t, result.IsError)

	agentComms := comms.New(svc, store.Namespace(),
		mailbox.Identity{ID: a.IdentityID, Secret: a.IdentitySecret},
		store.Coordinator().ID, store.RoomID())
	var cursor comms.Cursor
	received, err := agentComms.Receive(context.Background(), &cursor, 0, false)
	require.NoError(t, err)
	require.Len(t, received, 1)

	assign, ok := received[0].Msg.(*protocol.TaskAssign)
	require.True(t, ok)
	assert.Equal(t, "T1", assign.TaskID)
	assert.Equal(t, "main", assign.Context["branch"])
	assert.Equal(t, float64(2), assign.Context["attempt"])
}

func TestCoordinatorServer_ClearExpiredUsesConfiguredDefault(t *testing.T) {
	cs, store, _ := newCoordinatorServer(t)

	result := call(t, cs, "spawn_agent", `{"workspace_name":"repo"}`)
	require.False(t, result.IsError)
	agentID := store.ListAgents("")[0].AgentID
	require.NoError(t, store.QueuePermission("R1", agentID, "shell", "rm", "cleanup"))

	// Default threshold is an hour; a fresh request is not expired.
	result = call(t, cs, "clear_expired_permissions", `{}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "No expired")

	cs.SetPermissionMaxAge(time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	result = call(t, cs, "clear_expired_permissions", `{}`)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "1 request(s) expired")

	p, ok := store.GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, session.PermissionExpired, p.Status)
}
