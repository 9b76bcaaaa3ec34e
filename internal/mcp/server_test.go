package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRequests feeds newline-delimited requests through the server and returns
// the decoded responses in order.
func runRequests(t *testing.T, s *Server, requests ...string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(in, &out))

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func echoTool() (Tool, ToolHandler) {
	tool := Tool{
		Name:        "echo",
		Description: "Echo the message back.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"message": {Type: "string"},
			},
			Required: []string{"message"},
		},
	}
	handler := func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		return SuccessResult("echo: " + p.Message), nil
	}
	return tool, handler
}

func TestServer_Initialize(t *testing.T) {
	s := NewServer("convoy-coordinator", "1.0.0", WithInstructions("hello"))

	resps := runRequests(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"0"}}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "convoy-coordinator", result.ServerInfo.Name)
	assert.Equal(t, "hello", result.Instructions)
	require.NotNil(t, result.Capabilities.Tools)
}

func TestServer_ToolsListSorted(t *testing.T) {
	s := NewServer("test", "0.0.1")
	tool, handler := echoTool()
	s.RegisterTool(tool, handler)
	s.RegisterTool(Tool{Name: "another", Description: "x", InputSchema: &InputSchema{Type: "object"}},
		func(context.Context, json.RawMessage) (*ToolCallResult, error) { return SuccessResult("ok"), nil })

	resps := runRequests(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, resps, 1)

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result ToolsListResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "another", result.Tools[0].Name)
	assert.Equal(t, "echo", result.Tools[1].Name)
}

func TestServer_ToolsCall(t *testing.T) {
	s := NewServer("test", "0.0.1")
	tool, handler := echoTool()
	s.RegisterTool(tool, handler)

	resps := runRequests(t, s,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "echo: hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestServer_ToolErrorBecomesToolResult(t *testing.T) {
	s := NewServer("test", "0.0.1")
	s.RegisterTool(Tool{Name: "boom", Description: "x", InputSchema: &InputSchema{Type: "object"}},
		func(context.Context, json.RawMessage) (*ToolCallResult, error) {
			return nil, fmt.Errorf("backend down")
		})

	resps := runRequests(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom","arguments":{}}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error, "tool failures are results, not RPC errors")

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "backend down")
}

func TestServer_UnknownToolAndMethod(t *testing.T) {
	s := NewServer("test", "0.0.1")

	resps := runRequests(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"no/such/method"}`)
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, ErrCodeToolNotFound, resps[0].Error.Code)
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, ErrCodeMethodNotFound, resps[1].Error.Code)
}

func TestServer_ParseErrorAndPing(t *testing.T) {
	s := NewServer("test", "0.0.1")

	resps := runRequests(t, s,
		`{this is not json`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, ErrCodeParseError, resps[0].Error.Code)
	assert.Nil(t, resps[1].Error)
}

func TestServer_NotificationsProduceNoResponse(t *testing.T) {
	s := NewServer("test", "0.0.1")
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(in, &out))
	assert.Empty(t, out.String())
	assert.True(t, s.initialized)
}

func TestServer_PublishesToolEvents(t *testing.T) {
	s := NewServer("test", "0.0.1")
	tool, handler := echoTool()
	s.RegisterTool(tool, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Broker().Subscribe(ctx)

	runRequests(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)

	select {
	case evt := <-events:
		assert.Equal(t, ToolEventResult, evt.Payload.Type)
		assert.Equal(t, "echo", evt.Payload.ToolName)
		assert.NotEmpty(t, evt.Payload.ResponseJSON)
	case <-time.After(2 * time.Second):
		t.Fatal("no tool event published")
	}
}
