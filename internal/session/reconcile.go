package session

import (
	"context"
	"time"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/protocol"
)

// RoomEvent is one decoded coordination-room message used as reconciliation
// input.
type RoomEvent struct {
	Sender    string
	Msg       protocol.Message
	Timestamp time.Time
}

// Inference is the per-agent state derived from room history.
type Inference struct {
	State    AgentState
	TaskID   string
	LastSeen time.Time
	// Requests holds permission requests seen for the agent, to be queued if
	// not already pending.
	Requests []PendingPermission
}

// Replay derives agent states from room history. It is pure: the input is a
// message list and an identity-to-agent mapping, the output a map of
// inferences. The latest classifying message per agent wins, except that
// terminated is terminal and never demoted.
func Replay(history []RoomEvent, agentByIdentity map[string]string) map[string]Inference {
	out := make(map[string]Inference)
	for _, ev := range history {
		agentID, ok := agentByIdentity[ev.Sender]
		if !ok {
			continue
		}

		inf := out[agentID]
		state, taskID, classified := classify(ev.Msg)
		if req, ok := ev.Msg.(*protocol.PermissionRequest); ok {
			inf.Requests = append(inf.Requests, PendingPermission{
				RequestID:   req.RequestID,
				AgentID:     agentID,
				Action:      req.Action,
				Resource:    req.Resource,
				Context:     req.Context,
				RequestedAt: ev.Timestamp,
				Status:      PermissionPending,
			})
		}
		if classified {
			if inf.State != StateTerminated {
				if state == StateWaitingPermission && taskID == "" {
					// The request interrupts a task; carry it forward.
					taskID = inf.TaskID
				}
				inf.State = state
				inf.TaskID = taskID
			}
			if ev.Timestamp.After(inf.LastSeen) {
				inf.LastSeen = ev.Timestamp
			}
		}
		out[agentID] = inf
	}
	return out
}

// classify maps a worker message to an inferred state. Unclassifying types
// (questions, answers, coordinator-bound traffic) return false.
func classify(msg protocol.Message) (AgentState, string, bool) {
	switch m := msg.(type) {
	case *protocol.Idle:
		return StateIdle, "", true
	case *protocol.TaskAck:
		return StateWorking, m.TaskID, true
	case *protocol.Progress:
		return StateWorking, m.TaskID, true
	case *protocol.Result:
		if m.Status == protocol.StatusTerminated {
			return StateTerminated, "", true
		}
		return StateIdle, "", true
	case *protocol.PermissionRequest:
		return StateWaitingPermission, "", true
	}
	return "", "", false
}

// Reconcile replays the coordination room's history and merges the derived
// states into the store in one persisted transaction. Mailbox errors degrade
// to no updates; resume never fails on reconciliation.
func (s *Store) Reconcile(ctx context.Context) {
	s.mu.Lock()
	ns := s.state.Namespace
	roomID := s.state.RoomID
	secret := s.state.Coordinator.Secret
	coordID := s.state.Coordinator.ID
	agentByIdentity := make(map[string]string, len(s.state.Agents))
	for id, a := range s.state.Agents {
		agentByIdentity[a.IdentityID] = id
	}
	s.mu.Unlock()

	envs, err := s.client.GetRoomMessages(ctx, ns, roomID, secret, time.Time{})
	if err != nil {
		log.Warn(log.CatRecon, "Reconciliation skipped: room history unavailable", "error", err)
		return
	}

	var history []RoomEvent
	for _, env := range envs {
		if env.Sender() == coordID {
			continue
		}
		msg, err := protocol.Decode(env.Body, env.ContentType)
		if err != nil {
			log.Debug(log.CatRecon, "Skipping undecodable room message", "sender", env.Sender(), "error", err)
			continue
		}
		history = append(history, RoomEvent{Sender: env.Sender(), Msg: msg, Timestamp: env.Time()})
	}

	inferred := Replay(history, agentByIdentity)
	if len(inferred) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for agentID, inf := range inferred {
		a, ok := s.state.Agents[agentID]
		if !ok {
			continue
		}

		for _, req := range inf.Requests {
			if _, exists := s.state.Pending[req.RequestID]; exists {
				continue
			}
			queued := req
			s.state.Pending[req.RequestID] = &queued
			changed = true
		}

		if inf.State == "" || a.State == StateTerminated {
			continue
		}
		taskID := inf.TaskID
		if taskID == "" && (inf.State == StateWorking || inf.State == StateWaitingPermission) {
			// Keep whatever task the store already recorded; only idle and
			// terminated clear it.
			taskID = a.CurrentTaskID
		}
		if a.State != inf.State || a.CurrentTaskID != taskID {
			a.State = inf.State
			a.CurrentTaskID = taskID
			changed = true
		}
		// A replayed timestamp may only move last_seen forward, or set it
		// when the agent was never seen.
		if inf.LastSeen.After(a.LastSeen) {
			a.LastSeen = inf.LastSeen
			changed = true
		}
	}

	if !changed {
		return
	}
	if err := s.persistLocked(); err != nil {
		log.Warn(log.CatRecon, "Persisting reconciled state failed", "error", err)
		return
	}
	log.Info(log.CatRecon, "Reconciled session from room history",
		"sessionID", s.state.ID, "messages", len(history), "agents", len(inferred))
	s.publish("reconcile", s.state.ID)
}
