package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/convoy/internal/comms"
	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/protocol"
	"github.com/zjrosen/convoy/internal/session"
)

// PollMessages drains the coordinator inbox (and optionally the room),
// applies each message to the agent registry, and returns a readable digest.
// Agent state follows the sender's report; last_seen is stamped with the
// envelope's server timestamp, not the poll time.
func (c *Coordinator) PollMessages(ctx context.Context, wait time.Duration, includeRoom bool) (string, error) {
	received, err := c.comms.Receive(ctx, &c.cursor, wait, includeRoom)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, rcv := range received {
		if c.dedup.observe(rcv) {
			log.Debug(log.CatCoord, "Skipping duplicate message",
				"sender", rcv.Sender, "type", rcv.Msg.Type())
			continue
		}
		lines = append(lines, c.apply(rcv))
	}

	if len(lines) == 0 {
		return "No new messages.", nil
	}
	return fmt.Sprintf("%d message(s):\n%s", len(lines), strings.Join(lines, "\n")), nil
}

// apply routes one received message into the registry and renders its digest
// line. State updates that a terminated agent rejects are swallowed; the
// registry wins over late mail.
func (c *Coordinator) apply(rcv comms.Received) string {
	agent, known := c.store.AgentByIdentity(rcv.Sender)
	who := rcv.Sender
	if known {
		who = agent.AgentID
	}

	var line string
	var err error
	switch msg := rcv.Msg.(type) {
	case *protocol.TaskAck:
		line = fmt.Sprintf("- %s acknowledged task %s", who, msg.TaskID)
		if known {
			err = c.store.UpdateAgentState(agent.AgentID, session.StateWorking,
				session.WithTaskID(msg.TaskID), session.WithSeenAt(rcv.Timestamp))
		}
	case *protocol.Progress:
		line = fmt.Sprintf("- %s progress on %s: %.0f%% %s", who, msg.TaskID, msg.Progress*100, msg.Message)
		if known {
			taskID := msg.TaskID
			if taskID == "" {
				taskID = agent.CurrentTaskID
			}
			if taskID == "" {
				err = c.store.UpdateAgentSeenAt(agent.AgentID, rcv.Timestamp)
			} else {
				err = c.store.UpdateAgentState(agent.AgentID, session.StateWorking,
					session.WithTaskID(taskID), session.WithSeenAt(rcv.Timestamp))
			}
		}
	case *protocol.Result:
		line = fmt.Sprintf("- %s finished %s: %s. %s", who, msg.TaskID, msg.Status, msg.Summary)
		if known {
			next := session.StateIdle
			if msg.Status == protocol.StatusTerminated {
				next = session.StateTerminated
			}
			err = c.store.UpdateAgentState(agent.AgentID, next, session.WithSeenAt(rcv.Timestamp))
		}
	case *protocol.Idle:
		line = fmt.Sprintf("- %s is idle", who)
		if known {
			err = c.store.UpdateAgentState(agent.AgentID, session.StateIdle, session.WithSeenAt(rcv.Timestamp))
		}
	case *protocol.Question:
		line = fmt.Sprintf("- %s asks [%s]: %s", who, msg.QuestionID, msg.Question)
		if len(msg.Options) > 0 {
			line += fmt.Sprintf(" (options: %s)", strings.Join(msg.Options, ", "))
		}
		if known {
			err = c.store.UpdateAgentSeenAt(agent.AgentID, rcv.Timestamp)
		}
	case *protocol.PermissionRequest:
		line = fmt.Sprintf("- %s requests permission [%s]: %s %s", who, msg.RequestID, msg.Action, msg.Resource)
		if known {
			if !c.store.HasPendingPermission(msg.RequestID) {
				err = c.store.QueuePermission(msg.RequestID, agent.AgentID, msg.Action, msg.Resource, msg.Context)
			}
			if err == nil {
				err = c.store.UpdateAgentState(agent.AgentID, session.StateWaitingPermission,
					session.WithSeenAt(rcv.Timestamp))
			}
		}
	case *protocol.PermissionResponse:
		line = fmt.Sprintf("- %s decided %s on request %s", who, msg.Decision, msg.RequestID)
		if known {
			err = c.store.UpdateAgentSeenAt(agent.AgentID, rcv.Timestamp)
		}
	default:
		line = fmt.Sprintf("- %s sent %s", who, rcv.Msg.Type())
		if known {
			err = c.store.UpdateAgentSeenAt(agent.AgentID, rcv.Timestamp)
		}
	}

	if errors.Is(err, session.ErrIllegalTransition) {
		log.Debug(log.CatCoord, "Ignoring message for terminated agent",
			"agentID", agent.AgentID, "type", rcv.Msg.Type())
		err = nil
	}
	if err != nil {
		log.ErrorErr(log.CatCoord, "Applying polled message failed", err,
			"sender", rcv.Sender, "type", rcv.Msg.Type())
	}
	if rcv.FromRoom {
		line += " (room)"
	}
	return line
}
