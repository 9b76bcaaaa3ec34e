package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/pubsub"
	"github.com/zjrosen/convoy/internal/tracing"
)

// ToolHandler handles one tool call with its raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolEventType classifies tool events on the server broker.
type ToolEventType string

const (
	ToolEventResult ToolEventType = "tool_result"
	ToolEventError  ToolEventType = "tool_error"
)

// ToolEvent records one tool invocation for observers (session logs, TUIs).
type ToolEvent struct {
	Type         ToolEventType
	Timestamp    time.Time
	ToolName     string
	RequestJSON  json.RawMessage
	ResponseJSON json.RawMessage
	Error        string
	Duration     time.Duration
}

// Server implements an MCP server over newline-delimited JSON on stdio.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	handlers     map[string]ToolHandler

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool

	tracer trace.Tracer
	broker *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithTracer enables a span per tool call.
func WithTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Broker returns the tool event broker.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// Serve runs the read loop until stdin closes or Stop is called.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Stop shuts down the server loop.
func (s *Server) Stop() {
	s.cancel()
}

func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Tool results can carry whole session digests.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		// An ID (not null) marks a request; anything else is a notification.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.handleRequest(&req)
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "Scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(req *Request) {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)
	} else {
		s.sendResult(req.ID, result)
	}
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized")
	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled")
	default:
		// Unknown notifications are ignored, never answered.
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion, "clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)

	ctx := s.ctx
	var span trace.Span
	if s.tracer != nil {
		ctx, span = tracing.StartToolSpan(ctx, s.tracer, p.Name)
		span.SetAttributes(attribute.String(tracing.AttrToolName, p.Name))
	}

	start := time.Now()
	result, err := handler(ctx, p.Arguments)
	duration := time.Since(start)

	if span != nil {
		tracing.EndToolSpan(span, err)
	}
	s.publishToolEvent(p.Name, params, result, err, duration)

	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		// Tool failures surface as tool results, not RPC errors.
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

func (s *Server) publishToolEvent(toolName string, requestParams json.RawMessage, result *ToolCallResult, err error, duration time.Duration) {
	if s.broker == nil {
		return
	}

	evt := ToolEvent{
		Type:        ToolEventResult,
		Timestamp:   time.Now(),
		ToolName:    toolName,
		RequestJSON: requestParams,
		Duration:    duration,
	}
	if result != nil {
		if respJSON, marshalErr := json.Marshal(result); marshalErr == nil {
			evt.ResponseJSON = respJSON
		}
	}
	if err != nil {
		evt.Type = ToolEventError
		evt.Error = err.Error()
	}
	s.broker.Publish(pubsub.CreatedEvent, evt)
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(NewResponse(id, result))
}

func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	s.send(NewErrorResponse(id, err))
}

func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}

	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
	}
}
