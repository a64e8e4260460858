package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/askgram/internal/relay"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *relay.Service, *fakeSender) {
	t.Helper()
	svc, sender := newTestRelay(t)
	return MCPDeps{Relay: svc, Owner: testOwner}, svc, sender
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest(name, args))
	require.NoError(t, err)
	return result
}

func TestMCPTool_SendAndSubmitResponse(t *testing.T) {
	deps, svc, _ := newTestMCPDeps(t)

	result := callTool(t, mcpSendRequest(deps), "send_request", map[string]interface{}{
		"message":  "Merge the branch?",
		"timeout":  60,
		"metadata": "pr-7",
	})
	require.False(t, result.IsError, toolText(t, result))

	var sub relay.Submitted
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &sub))
	assert.True(t, strings.HasPrefix(sub.ID, "req_"))
	assert.Equal(t, "Merge the branch?", sub.Prompt)
	assert.Contains(t, toolText(t, result), "\n  ", "tool output should be indented JSON")

	result = callTool(t, mcpSubmitResponse(deps), "submit_response", map[string]interface{}{
		"request_id": sub.ID,
		"response":   "yes",
	})
	require.False(t, result.IsError, toolText(t, result))

	st, err := svc.GetStatus(context.Background(), testOwner, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
}

func TestMCPTool_SendRequest_MissingMessage(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result := callTool(t, mcpSendRequest(deps), "send_request", map[string]interface{}{})
	assert.True(t, result.IsError)
}

func TestMCPTool_SendRequest_UpstreamFailure(t *testing.T) {
	deps, _, sender := newTestMCPDeps(t)
	sender.err = errors.New("bot was blocked by the user")

	result := callTool(t, mcpSendRequest(deps), "send_request", map[string]interface{}{"message": "hi"})
	require.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "bot was blocked")
}

func TestMCPTool_AwaitResponse(t *testing.T) {
	deps, svc, _ := newTestMCPDeps(t)
	sub, err := svc.SubmitQuestion(context.Background(), testOwner, relay.QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	result := callTool(t, mcpAwaitResponse(deps), "await_response", map[string]interface{}{
		"request_id":    sub.ID,
		"timeout":       1,
		"poll_interval": 0.2,
	})
	require.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "timed out")

	_, err = svc.SubmitAnswer(context.Background(), testOwner, sub.ID, "later")
	require.NoError(t, err)

	result = callTool(t, mcpAwaitResponse(deps), "await_response", map[string]interface{}{"request_id": sub.ID})
	require.False(t, result.IsError, toolText(t, result))

	var ans relay.Answer
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &ans))
	assert.Equal(t, "later", ans.Response)
}

func TestMCPTool_NotFound(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"await_response":     mcpAwaitResponse(deps),
		"get_request_status": mcpGetRequestStatus(deps),
	} {
		result := callTool(t, h, name, map[string]interface{}{"request_id": "req_000000000000"})
		require.True(t, result.IsError, name)
		assert.Contains(t, toolText(t, result), "not found", name)
	}

	result := callTool(t, mcpSubmitResponse(deps), "submit_response", map[string]interface{}{
		"request_id": "req_000000000000", "response": "x",
	})
	assert.True(t, result.IsError)
}

func TestMCPTool_HistoryAndClear(t *testing.T) {
	deps, svc, _ := newTestMCPDeps(t)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_, err := svc.SubmitQuestion(ctx, testOwner, relay.QuestionInput{Prompt: p})
		require.NoError(t, err)
	}

	result := callTool(t, mcpGetRequestHistory(deps), "get_request_history", map[string]interface{}{"limit": 2})
	require.False(t, result.IsError, toolText(t, result))

	var hist historyPayload
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &hist))
	require.Len(t, hist.Requests, 2)
	assert.Equal(t, "c", hist.Requests[0].Message)

	result = callTool(t, mcpGetRequestHistory(deps), "get_request_history", map[string]interface{}{"completed_only": true})
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &hist))
	assert.Empty(t, hist.Requests)

	result = callTool(t, mcpClearExpiredRequests(deps), "clear_expired_requests", map[string]interface{}{"older_than_days": 7})
	require.False(t, result.IsError)

	var res relay.CleanupResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &res))
	assert.Equal(t, int64(0), res.DeletedCount)
}

func TestMCPTool_SendRequest_UsesConfiguredDefaultTimeout(t *testing.T) {
	svc, _ := newTestRelayWith(t, relay.Options{DefaultTimeout: 60})
	deps := MCPDeps{Relay: svc, Owner: testOwner}

	result := callTool(t, mcpSendRequest(deps), "send_request", map[string]interface{}{"message": "Ship it?"})
	require.False(t, result.IsError, toolText(t, result))

	qs, err := svc.ListHistory(context.Background(), testOwner, 1, false)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, 60, qs[0].TimeoutSeconds)
}

func TestMCPTool_SendRequest_CapsTimeout(t *testing.T) {
	deps, svc, _ := newTestMCPDeps(t)

	result := callTool(t, mcpSendRequest(deps), "send_request", map[string]interface{}{
		"message": "Ship it?",
		"timeout": 10_000_000,
	})
	require.False(t, result.IsError, toolText(t, result))

	qs, err := svc.ListHistory(context.Background(), testOwner, 1, false)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, relay.MaxTimeoutSeconds, qs[0].TimeoutSeconds)
}

func TestMCPTool_ClearExpired_UsesConfiguredRetention(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, 0, -5)
	svc, _ := newTestRelayWith(t, relay.Options{
		RetentionDays: 3,
		Now:           func() time.Time { return clock },
	})
	deps := MCPDeps{Relay: svc, Owner: testOwner}

	_, err := svc.SubmitQuestion(context.Background(), testOwner, relay.QuestionInput{Prompt: "five days old"})
	require.NoError(t, err)
	clock = now

	result := callTool(t, mcpClearExpiredRequests(deps), "clear_expired_requests", map[string]interface{}{})
	require.False(t, result.IsError, toolText(t, result))

	var res relay.CleanupResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &res))
	assert.Equal(t, int64(1), res.DeletedCount)
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"send_request", "await_response", "get_request_status", "get_request_history", "clear_expired_requests", "submit_response"} {
		assert.Contains(t, string(b), `"name":"`+name+`"`)
	}
}
