package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/convoy/internal/comms"
	"github.com/zjrosen/convoy/internal/protocol"
	"github.com/zjrosen/convoy/internal/session"
)

func TestPermissionLifecycle_ExpireThenGrant(t *testing.T) {
	ctx := context.Background()
	c, _, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")
	w := worker(t, c, agentID)

	_, err := c.AssignTask(ctx, agentID, TaskSpec{TaskID: "T1", Description: "cleanup"})
	require.NoError(t, err)

	require.NoError(t, w.SendToCoordinator(ctx, &protocol.PermissionRequest{
		RequestID: "R1", Action: "shell", Resource: "rm -rf /tmp/x", Context: "cleanup",
	}))
	report, err := c.PollMessages(ctx, 0, false)
	require.NoError(t, err)
	assert.Contains(t, report, "requests permission [R1]")

	a, err := c.Store().GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, session.StateWaitingPermission, a.State)
	assert.Equal(t, "T1", a.CurrentTaskID, "the interrupted task is retained")

	p, ok := c.Store().GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, session.PermissionPending, p.Status)

	// A zero max age expires everything pending.
	report, err = c.ClearExpiredPermissions(0)
	require.NoError(t, err)
	assert.Contains(t, report, "1 request(s) expired")
	p, _ = c.Store().GetPendingPermission("R1")
	assert.Equal(t, session.PermissionExpired, p.Status)

	// Granting after expiry still resolves the request.
	_, err = c.GrantQueuedPermission(ctx, "R1", protocol.DecisionAllow, "supervised")
	require.NoError(t, err)

	p, _ = c.Store().GetPendingPermission("R1")
	assert.Equal(t, session.PermissionGranted, p.Status)

	a, err = c.Store().GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, session.StateWorking, a.State)
	assert.Equal(t, "T1", a.CurrentTaskID)

	var cur comms.Cursor
	got, err := w.Receive(ctx, &cur, 0, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	resp, ok := got[0].Msg.(*protocol.PermissionResponse)
	require.True(t, ok)
	assert.Equal(t, "R1", resp.RequestID)
	assert.Equal(t, protocol.DecisionAllow, resp.Decision)
}

func TestGrantPermission_DenyWithoutTaskGoesIdle(t *testing.T) {
	ctx := context.Background()
	c, _, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")
	w := worker(t, c, agentID)

	require.NoError(t, w.SendToCoordinator(ctx, &protocol.PermissionRequest{
		RequestID: "R1", Action: "net", Resource: "api.internal",
	}))
	_, err := c.PollMessages(ctx, 0, false)
	require.NoError(t, err)

	_, err = c.GrantPermission(ctx, "R1", protocol.DecisionDeny, "", "not in scope")
	require.NoError(t, err)

	p, _ := c.Store().GetPendingPermission("R1")
	assert.Equal(t, session.PermissionDenied, p.Status)

	a, err := c.Store().GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, a.State)
}

func TestGrantPermission_InvalidDecision(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.GrantPermission(context.Background(), "R1", "maybe", "", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestGrantPermission_UnknownRequestNoCandidates(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.GrantPermission(context.Background(), "R9", protocol.DecisionAllow, "", "")
	assert.ErrorIs(t, err, session.ErrUnknownRequest)
}

func TestGrantPermission_InfersSoleWaitingAgent(t *testing.T) {
	ctx := context.Background()
	c, _, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")
	w := worker(t, c, agentID)
	require.NoError(t, c.Store().UpdateAgentState(agentID, session.StateWaitingPermission))

	// R9 was never queued; the only waiting agent is the obvious target.
	_, err := c.GrantPermission(ctx, "R9", protocol.DecisionAllow, "", "")
	require.NoError(t, err)

	var cur comms.Cursor
	got, err := w.Receive(ctx, &cur, 0, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "R9", got[0].Msg.(*protocol.PermissionResponse).RequestID)
}

func TestGrantPermission_AmbiguousWaitingAgents(t *testing.T) {
	ctx := context.Background()
	c, _, l := newCoordinator(t)
	a1 := spawn(t, c, l, "a1")
	a2 := spawn(t, c, l, "a2")
	require.NoError(t, c.Store().UpdateAgentState(a1, session.StateWaitingPermission))
	require.NoError(t, c.Store().UpdateAgentState(a2, session.StateWaitingPermission))

	_, err := c.GrantPermission(ctx, "R9", protocol.DecisionAllow, "", "")
	assert.ErrorIs(t, err, ErrAmbiguousAgent)

	// Naming the agent resolves the ambiguity.
	_, err = c.GrantPermission(ctx, "R9", protocol.DecisionAllow, a1, "")
	assert.NoError(t, err)
}

func TestEscalateToUser_WithoutHumansStaysQueued(t *testing.T) {
	ctx := context.Background()
	c, _, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")
	require.NoError(t, c.Store().QueuePermission("R1", agentID, "shell", "rm", "ctx"))

	report, err := c.EscalateToUser(ctx, "R1", "")
	require.NoError(t, err)
	assert.Contains(t, report, "stays queued")

	p, ok := c.Store().GetPendingPermission("R1")
	require.True(t, ok)
	assert.Equal(t, session.PermissionPending, p.Status)
}

func TestEscalateToUser_DeliversQuestionToHumans(t *testing.T) {
	ctx := context.Background()
	c, svc, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")
	require.NoError(t, c.Store().QueuePermission("R1", agentID, "shell", "rm -rf build", "cleanup"))

	ident, err := svc.CreateIdentity(ctx, c.Store().Namespace(), "pat", c.Store().NamespaceSecret())
	require.NoError(t, err)
	require.NoError(t, c.Store().RegisterHuman(ident.ID, "pat"))

	report, err := c.EscalateToUser(ctx, "R1", "please decide")
	require.NoError(t, err)
	assert.Contains(t, report, "1 human(s)")

	human := comms.New(svc, c.Store().Namespace(), ident,
		c.Store().Coordinator().ID, c.Store().RoomID())
	var cur comms.Cursor
	got, err := human.Receive(ctx, &cur, 0, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	q, ok := got[0].Msg.(*protocol.Question)
	require.True(t, ok)
	assert.Equal(t, "R1", q.QuestionID)
	assert.Contains(t, q.Question, "rm -rf build")
	assert.Equal(t, []string{protocol.DecisionAllow, protocol.DecisionDeny}, q.Options)
}

func TestEscalateToUser_UnknownRequest(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.EscalateToUser(context.Background(), "R404", "")
	assert.ErrorIs(t, err, session.ErrUnknownRequest)
}

func TestListPendingPermissions_Formatting(t *testing.T) {
	c, _, l := newCoordinator(t)
	agentID := spawn(t, c, l, "a1")

	report, err := c.ListPendingPermissions(false)
	require.NoError(t, err)
	assert.Equal(t, "No pending permission requests.", report)

	require.NoError(t, c.Store().QueuePermission("R1", agentID, "shell", "rm", ""))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Store().QueuePermission("R2", agentID, "net", "api", ""))
	require.NoError(t, c.Store().UpdatePendingPermission("R2", session.PermissionDenied))

	report, err = c.ListPendingPermissions(false)
	require.NoError(t, err)
	assert.Contains(t, report, "1 permission request(s)")
	assert.Contains(t, report, "[R1]")
	assert.NotContains(t, report, "[R2]")

	report, err = c.ListPendingPermissions(true)
	require.NoError(t, err)
	assert.Contains(t, report, "2 permission request(s)")
	assert.Contains(t, report, "[R2]")
}
