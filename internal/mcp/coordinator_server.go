package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/convoy/internal/coordinator"
)

// CoordinatorServer exposes the coordination tool surface over MCP. Each tool
// parses its arguments and delegates to the session-scoped Coordinator.
type CoordinatorServer struct {
	*Server
	coord *coordinator.Coordinator

	// pollWait bounds how long poll_messages blocks when the caller asks to
	// wait.
	pollWait time.Duration

	// permissionMaxAge is the expiry threshold clear_expired_permissions
	// applies when the caller does not pass max_age_hours.
	permissionMaxAge time.Duration
}

const coordinatorInstructions = `Convoy coordination server. Tools for spawning worker agents, assigning tasks, polling the shared mailbox, and mediating permission requests.`

// defaultPollWait bounds a waiting poll_messages call.
const defaultPollWait = 25 * time.Second

// defaultPermissionMaxAge is the fallback expiry threshold for pending
// permission requests.
const defaultPermissionMaxAge = time.Hour

// NewCoordinatorServer creates the MCP server for one session's coordinator.
func NewCoordinatorServer(coord *coordinator.Coordinator, opts ...ServerOption) *CoordinatorServer {
	cs := &CoordinatorServer{
		Server:           NewServer("convoy-coordinator", "1.0.0", append([]ServerOption{WithInstructions(coordinatorInstructions)}, opts...)...),
		coord:            coord,
		pollWait:         defaultPollWait,
		permissionMaxAge: defaultPermissionMaxAge,
	}
	cs.registerTools()
	return cs
}

// SetPollWait overrides how long a waiting poll_messages call may block.
// Non-positive durations are ignored.
func (cs *CoordinatorServer) SetPollWait(d time.Duration) {
	if d > 0 {
		cs.pollWait = d
	}
}

// SetPermissionMaxAge overrides the default expiry threshold for
// clear_expired_permissions. Non-positive durations are ignored.
func (cs *CoordinatorServer) SetPermissionMaxAge(d time.Duration) {
	if d > 0 {
		cs.permissionMaxAge = d
	}
}

// report adapts a (text, error) tool method into a ToolCallResult.
func report(text string, err error) (*ToolCallResult, error) {
	if err != nil {
		return nil, err
	}
	return SuccessResult(text), nil
}

func (cs *CoordinatorServer) registerTools() {
	cs.RegisterTool(Tool{
		Name:        "spawn_agent",
		Description: "Spawn a new worker agent. Allocates a mailbox identity, registers the agent in state 'spawning', and hands the credentials to the launcher. Returns the new agent ID.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"workspace_name": {Type: "string", Description: "Workspace the agent operates in (e.g., a repo checkout name)"},
				"display_name":   {Type: "string", Description: "Human-readable agent name. Defaults to the generated agent ID."},
				"remote":         {Type: "boolean", Description: "Launch in a remote workspace instead of a local process"},
			},
		},
	}, cs.handleSpawnAgent)

	cs.RegisterTool(Tool{
		Name:        "message_agent",
		Description: "Send a direct message to an agent. message_type 'task' assigns a task, 'answer' replies to a question, 'terminate' shuts the agent down.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agent_id":     {Type: "string", Description: "Target agent ID (e.g., 'agent-1a2b3c4d')"},
				"message_type": {Type: "string", Description: "Kind of message to send", Enum: []string{"task", "answer", "terminate"}},
				"task_id":      {Type: "string", Description: "Task ID for 'task' (required) or 'answer' (optional)"},
				"description":  {Type: "string", Description: "Task description for 'task'"},
				"context":      {Type: "object", Description: "Optional task context passed through to the agent"},
				"deadline":     {Type: "string", Description: "Optional ISO-8601 deadline for 'task'"},
				"question_id":  {Type: "string", Description: "Question being answered, for 'answer'"},
				"answer":       {Type: "string", Description: "Answer text, for 'answer'"},
				"reason":       {Type: "string", Description: "Optional reason, for 'terminate'"},
			},
			Required: []string{"agent_id", "message_type"},
		},
	}, cs.handleMessageAgent)

	cs.RegisterTool(Tool{
		Name:        "broadcast",
		Description: "Post an announcement to the coordination room. Every member sees it.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"message": {Type: "string", Description: "The announcement text"},
				"task_id": {Type: "string", Description: "Optional task this announcement relates to"},
			},
			Required: []string{"message"},
		},
	}, cs.handleBroadcast)

	cs.RegisterTool(Tool{
		Name:        "poll_messages",
		Description: "Drain the coordinator inbox and apply agent status updates. Returns a digest of new messages. With wait=true, blocks until a message arrives or the wait bound elapses.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"wait":         {Type: "boolean", Description: "Block for new messages instead of returning immediately"},
				"include_room": {Type: "boolean", Description: "Also read coordination room broadcasts"},
			},
		},
	}, cs.handlePollMessages)

	cs.RegisterTool(Tool{
		Name:        "list_agents",
		Description: "List registered agents, optionally filtered to one lifecycle state.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"state": {
					Type:        "string",
					Description: "Filter to one state",
					Enum:        []string{"spawning", "starting", "idle", "working", "waiting_permission", "terminated"},
				},
				"details": {Type: "boolean", Description: "Include identity, workspace, and last_seen per agent"},
			},
		},
	}, cs.handleListAgents)

	cs.RegisterTool(Tool{
		Name:        "get_session_state",
		Description: "Summarize the session: agent counts by state, humans, and pending permissions.",
		InputSchema: &InputSchema{Type: "object"},
	}, cs.handleGetSessionState)

	cs.RegisterTool(Tool{
		Name:        "create_human_invite",
		Description: "Allocate a mailbox identity for a human participant and return their join credentials.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"display_name": {Type: "string", Description: "Name to show for this human"},
			},
			Required: []string{"display_name"},
		},
	}, cs.handleCreateHumanInvite)

	cs.RegisterTool(Tool{
		Name:        "grant_permission",
		Description: "Respond allow or deny to a permission request. The agent is inferred from the queue when agent_id is omitted.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"request_id": {Type: "string", Description: "The permission request being answered"},
				"decision":   {Type: "string", Description: "The decision", Enum: []string{"allow", "deny"}},
				"agent_id":   {Type: "string", Description: "Target agent, required only when inference is ambiguous"},
				"reason":     {Type: "string", Description: "Optional reason forwarded to the agent"},
			},
			Required: []string{"request_id", "decision"},
		},
	}, cs.handleGrantPermission)

	cs.RegisterTool(Tool{
		Name:        "grant_queued_permission",
		Description: "Resolve a queued permission request by request ID alone.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"request_id": {Type: "string", Description: "The queued request"},
				"decision":   {Type: "string", Description: "The decision", Enum: []string{"allow", "deny"}},
				"reason":     {Type: "string", Description: "Optional reason forwarded to the agent"},
			},
			Required: []string{"request_id", "decision"},
		},
	}, cs.handleGrantQueuedPermission)

	cs.RegisterTool(Tool{
		Name:        "escalate_to_user",
		Description: "Forward a queued permission request to the session's humans as a question. With no humans, the request stays queued.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"request_id": {Type: "string", Description: "The queued request to escalate"},
				"summary":    {Type: "string", Description: "Optional extra context for the human"},
			},
			Required: []string{"request_id"},
		},
	}, cs.handleEscalateToUser)

	cs.RegisterTool(Tool{
		Name:        "list_pending_permissions",
		Description: "List queued permission requests, oldest first.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"include_resolved": {Type: "boolean", Description: "Also show granted, denied, and expired entries"},
			},
		},
	}, cs.handleListPendingPermissions)

	cs.RegisterTool(Tool{
		Name:        "clear_expired_permissions",
		Description: "Mark pending permission requests older than max_age_hours as expired.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"max_age_hours": {Type: "number", Description: "Age threshold in hours. 0 expires everything pending. Defaults to the configured permissions.max_age_hours."},
			},
		},
	}, cs.handleClearExpiredPermissions)

	cs.RegisterTool(Tool{
		Name:        "check_agent_health",
		Description: "Triage non-terminated agents into healthy, stale, and never-seen by last_seen age.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"stale_after_minutes": {Type: "number", Description: "Minutes of silence before an agent counts as stale. Default 10."},
			},
		},
	}, cs.handleCheckAgentHealth)

	cs.RegisterTool(Tool{
		Name:        "remove_agent",
		Description: "Remove an agent from the registry. Terminate it first; removal does not stop a running worker.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agent_id": {Type: "string", Description: "The agent to remove"},
			},
			Required: []string{"agent_id"},
		},
	}, cs.handleRemoveAgent)
}

func (cs *CoordinatorServer) handleSpawnAgent(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		WorkspaceName string `json:"workspace_name"`
		DisplayName   string `json:"display_name"`
		Remote        bool   `json:"remote"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	return report(cs.coord.SpawnAgent(ctx, args.WorkspaceName, args.DisplayName, args.Remote))
}

func (cs *CoordinatorServer) handleMessageAgent(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		AgentID     string         `json:"agent_id"`
		MessageType string         `json:"message_type"`
		TaskID      string         `json:"task_id"`
		Description string         `json:"description"`
		Context     map[string]any `json:"context"`
		Deadline    string         `json:"deadline"`
		QuestionID  string         `json:"question_id"`
		Answer      string         `json:"answer"`
		Reason      string         `json:"reason"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}

	switch args.MessageType {
	case "task":
		if args.TaskID == "" || args.Description == "" {
			return nil, fmt.Errorf("task messages require task_id and description")
		}
		return report(cs.coord.AssignTask(ctx, args.AgentID, coordinator.TaskSpec{
			TaskID:      args.TaskID,
			Description: args.Description,
			Context:     args.Context,
			Deadline:    args.Deadline,
		}))
	case "answer":
		if args.QuestionID == "" || args.Answer == "" {
			return nil, fmt.Errorf("answer messages require question_id and answer")
		}
		return report(cs.coord.SendAnswer(ctx, args.AgentID, args.QuestionID, args.TaskID, args.Answer))
	case "terminate":
		return report(cs.coord.TerminateAgent(ctx, args.AgentID, args.Reason))
	default:
		return nil, fmt.Errorf("unknown message_type %q", args.MessageType)
	}
}

func (cs *CoordinatorServer) handleBroadcast(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		Message string `json:"message"`
		TaskID  string `json:"task_id"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if args.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return report(cs.coord.Broadcast(ctx, args.Message, args.TaskID))
}

func (cs *CoordinatorServer) handlePollMessages(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		Wait        bool `json:"wait"`
		IncludeRoom bool `json:"include_room"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	wait := time.Duration(0)
	if args.Wait {
		wait = cs.pollWait
	}
	return report(cs.coord.PollMessages(ctx, wait, args.IncludeRoom))
}

func (cs *CoordinatorServer) handleListAgents(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		State   string `json:"state"`
		Details bool   `json:"details"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	return report(cs.coord.ListAgents(args.State, args.Details))
}

func (cs *CoordinatorServer) handleGetSessionState(context.Context, json.RawMessage) (*ToolCallResult, error) {
	return report(cs.coord.GetSessionState())
}

func (cs *CoordinatorServer) handleCreateHumanInvite(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if args.DisplayName == "" {
		return nil, fmt.Errorf("display_name is required")
	}
	return report(cs.coord.CreateHumanInvite(ctx, args.DisplayName))
}

func (cs *CoordinatorServer) handleGrantPermission(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		RequestID string `json:"request_id"`
		Decision  string `json:"decision"`
		AgentID   string `json:"agent_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	return report(cs.coord.GrantPermission(ctx, args.RequestID, args.Decision, args.AgentID, args.Reason))
}

func (cs *CoordinatorServer) handleGrantQueuedPermission(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		RequestID string `json:"request_id"`
		Decision  string `json:"decision"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	return report(cs.coord.GrantQueuedPermission(ctx, args.RequestID, args.Decision, args.Reason))
}

func (cs *CoordinatorServer) handleEscalateToUser(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		RequestID string `json:"request_id"`
		Summary   string `json:"summary"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	return report(cs.coord.EscalateToUser(ctx, args.RequestID, args.Summary))
}

func (cs *CoordinatorServer) handleListPendingPermissions(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		IncludeResolved bool `json:"include_resolved"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	return report(cs.coord.ListPendingPermissions(args.IncludeResolved))
}

func (cs *CoordinatorServer) handleClearExpiredPermissions(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		MaxAgeHours *float64 `json:"max_age_hours"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	maxAge := cs.permissionMaxAge
	if args.MaxAgeHours != nil {
		if *args.MaxAgeHours < 0 {
			return nil, fmt.Errorf("max_age_hours must be non-negative")
		}
		maxAge = time.Duration(*args.MaxAgeHours * float64(time.Hour))
	}
	return report(cs.coord.ClearExpiredPermissions(maxAge))
}

func (cs *CoordinatorServer) handleCheckAgentHealth(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		StaleAfterMinutes float64 `json:"stale_after_minutes"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
	}
	staleAfter := 10 * time.Minute
	if args.StaleAfterMinutes > 0 {
		staleAfter = time.Duration(args.StaleAfterMinutes * float64(time.Minute))
	}
	return report(cs.coord.CheckAgentHealth(staleAfter))
}

func (cs *CoordinatorServer) handleRemoveAgent(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	return report(cs.coord.RemoveAgent(args.AgentID))
}
