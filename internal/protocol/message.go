// Package protocol defines the coordination wire protocol between the
// coordinator and worker agents: a tagged union of message variants and a
// codec that converts them to and from the self-describing JSON payloads the
// mailbox service stores as opaque bodies.
package protocol

import "time"

// MsgType discriminates message variants on the wire.
type MsgType string

const (
	TypeTaskAssign         MsgType = "task_assign"
	TypeTaskAck            MsgType = "task_ack"
	TypeProgress           MsgType = "progress"
	TypeResult             MsgType = "result"
	TypeIdle               MsgType = "idle"
	TypeQuestion           MsgType = "question"
	TypeAnswer             MsgType = "answer"
	TypePermissionRequest  MsgType = "permission_request"
	TypePermissionResponse MsgType = "permission_response"
	TypeTerminate          MsgType = "terminate"
)

// Result status values. Any other string is treated as a non-terminated
// completion by the state machine.
const (
	StatusSuccess    = "success"
	StatusFailure    = "failure"
	StatusTerminated = "terminated"
)

// Permission decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Message is implemented by every wire message variant.
type Message interface {
	Type() MsgType
}

// TaskAssign is sent by the coordinator to hand a task to a worker.
type TaskAssign struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	// Deadline is an ISO-8601 timestamp, empty when the task is open-ended.
	Deadline string `json:"deadline,omitempty"`
}

func (TaskAssign) Type() MsgType { return TypeTaskAssign }

// TaskAck is sent by a worker confirming it picked up a task.
type TaskAck struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskAck) Type() MsgType { return TypeTaskAck }

// Progress reports partial completion of a task. Progress is in [0.0, 1.0].
type Progress struct {
	TaskID   string  `json:"task_id"`
	AgentID  string  `json:"agent_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

func (Progress) Type() MsgType { return TypeProgress }

// Result reports the terminal outcome of a task.
type Result struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

func (Result) Type() MsgType { return TypeResult }

// Idle announces a worker has no current task and is ready for assignment.
type Idle struct {
	AgentID string `json:"agent_id"`
}

func (Idle) Type() MsgType { return TypeIdle }

// Question asks the recipient to choose between options or answer free-form.
type Question struct {
	QuestionID string   `json:"question_id"`
	TaskID     string   `json:"task_id,omitempty"`
	AgentID    string   `json:"agent_id,omitempty"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
}

func (Question) Type() MsgType { return TypeQuestion }

// Answer replies to a previously sent Question.
type Answer struct {
	QuestionID string         `json:"question_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Answer     string         `json:"answer"`
	Context    map[string]any `json:"context,omitempty"`
}

func (Answer) Type() MsgType { return TypeAnswer }

// PermissionRequest asks the coordinator to approve a privileged action.
type PermissionRequest struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Context   string `json:"context,omitempty"`
}

func (PermissionRequest) Type() MsgType { return TypePermissionRequest }

// PermissionResponse carries the coordinator's decision on a request.
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func (PermissionResponse) Type() MsgType { return TypePermissionResponse }

// Terminate instructs a worker to shut down.
type Terminate struct {
	Reason string `json:"reason,omitempty"`
}

func (Terminate) Type() MsgType { return TypeTerminate }

// FormatDeadline renders a deadline for the wire.
func FormatDeadline(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
