package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/protocol"
	"github.com/zjrosen/convoy/internal/session"
)

// GrantPermission responds to a permission request. The agent is inferred
// from the queue when agentID is empty; the response is sent before any
// registry mutation so a failed send leaves the request pending.
func (c *Coordinator) GrantPermission(ctx context.Context, requestID, decision, agentID, reason string) (string, error) {
	if decision != protocol.DecisionAllow && decision != protocol.DecisionDeny {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	pending, queued := c.store.GetPendingPermission(requestID)
	if agentID == "" {
		switch {
		case queued:
			agentID = pending.AgentID
		default:
			// The request never reached the queue (worker asked while we were
			// down, human relayed it verbally). Infer from waiting agents.
			waiting := c.store.ListAgents(session.StateWaitingPermission)
			switch len(waiting) {
			case 1:
				agentID = waiting[0].AgentID
			case 0:
				return "", fmt.Errorf("%w: %s", session.ErrUnknownRequest, requestID)
			default:
				return "", fmt.Errorf("%w: %d agents are waiting on permissions, pass agent_id", ErrAmbiguousAgent, len(waiting))
			}
		}
	}
	a, err := c.store.GetAgent(agentID)
	if err != nil {
		if queued {
			return "", fmt.Errorf("%w: request %s names unregistered agent %s", ErrAmbiguousAgent, requestID, pending.AgentID)
		}
		return "", err
	}

	msg := &protocol.PermissionResponse{RequestID: requestID, Decision: decision, Reason: reason}
	if err := c.comms.Send(ctx, a.IdentityID, msg); err != nil {
		return "", err
	}

	if queued {
		status := session.PermissionGranted
		if decision == protocol.DecisionDeny {
			status = session.PermissionDenied
		}
		if err := c.store.UpdatePendingPermission(requestID, status); err != nil {
			return "", err
		}
	}

	// The worker resumes whatever it was doing once it has the decision.
	if a.State == session.StateWaitingPermission {
		next := session.StateIdle
		var updates []session.AgentUpdate
		if a.CurrentTaskID != "" {
			next = session.StateWorking
			updates = append(updates, session.WithTaskID(a.CurrentTaskID))
		}
		if err := c.store.UpdateAgentState(agentID, next, updates...); err != nil {
			return "", err
		}
	}

	log.Info(log.CatCoord, "Resolved permission request",
		"requestID", requestID, "agentID", agentID, "decision", decision)
	return fmt.Sprintf("Sent %s to %s for request %s.", decision, agentID, requestID), nil
}

// GrantQueuedPermission resolves a queued request without naming the agent.
func (c *Coordinator) GrantQueuedPermission(ctx context.Context, requestID, decision, reason string) (string, error) {
	return c.GrantPermission(ctx, requestID, decision, "", reason)
}

// EscalateToUser forwards a queued permission request to every human in the
// session as a Question. With no humans registered, the request simply stays
// queued.
func (c *Coordinator) EscalateToUser(ctx context.Context, requestID, summary string) (string, error) {
	pending, ok := c.store.GetPendingPermission(requestID)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrUnknownRequest, requestID)
	}

	humans := c.store.ListHumans()
	if len(humans) == 0 {
		return fmt.Sprintf("No humans in session; request %s stays queued.", requestID), nil
	}

	question := fmt.Sprintf("Agent %s wants to %s %s.", pending.AgentID, pending.Action, pending.Resource)
	if pending.Context != "" {
		question += " Context: " + pending.Context
	}
	if summary != "" {
		question += " " + summary
	}

	msg := &protocol.Question{
		QuestionID: requestID,
		Question:   question,
		Options:    []string{protocol.DecisionAllow, protocol.DecisionDeny},
	}
	sent := 0
	for _, h := range humans {
		if err := c.comms.Send(ctx, h.IdentityID, msg); err != nil {
			log.ErrorErr(log.CatCoord, "Escalation delivery failed", err,
				"requestID", requestID, "identityID", h.IdentityID)
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", fmt.Errorf("escalating %s: no deliveries succeeded", requestID)
	}
	return fmt.Sprintf("Escalated request %s to %d human(s).", requestID, sent), nil
}

// ListPendingPermissions formats the permission queue, oldest first.
func (c *Coordinator) ListPendingPermissions(includeResolved bool) (string, error) {
	pending := c.store.ListPendingPermissions()

	var shown []session.PendingPermission
	for _, p := range pending {
		if !includeResolved && p.Status != session.PermissionPending {
			continue
		}
		shown = append(shown, p)
	}
	if len(shown) == 0 {
		return "No pending permission requests.", nil
	}
	sort.Slice(shown, func(i, j int) bool {
		if !shown[i].RequestedAt.Equal(shown[j].RequestedAt) {
			return shown[i].RequestedAt.Before(shown[j].RequestedAt)
		}
		return shown[i].RequestID < shown[j].RequestID
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d permission request(s):\n", len(shown))
	for _, p := range shown {
		fmt.Fprintf(&b, "- [%s] %s: %s %s (%s, requested %s)\n",
			p.RequestID, p.AgentID, p.Action, p.Resource, p.Status, p.RequestedAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ClearExpiredPermissions marks stale pending requests as expired.
func (c *Coordinator) ClearExpiredPermissions(maxAge time.Duration) (string, error) {
	count, err := c.store.ClearExpiredPermissions(maxAge)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "No expired permission requests.", nil
	}
	return fmt.Sprintf("Marked %d request(s) expired.", count), nil
}
