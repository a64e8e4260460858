package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/askgram/internal/relay"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Relay   Relay
	Owner   string // every tool call acts for this owner
	Version string
}

// NewMCPServer creates an MCP server with the askgram tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"askgram",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("askgram sends questions to a human over Telegram and returns their answers. "+
			"Call send_request, then await_response with the returned request_id."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_request",
			mcp.WithDescription("Send a question to the human over Telegram. Returns a request_id to await."),
			mcp.WithString("message", mcp.Description("The question to send"), mcp.Required()),
			mcp.WithNumber("timeout", mcp.Description("Seconds to wait for an answer by default (default: wait.default_timeout, at most 3600)")),
			mcp.WithString("metadata", mcp.Description("Optional opaque data stored with the request")),
		),
		mcpSendRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("await_response",
			mcp.WithDescription("Wait until the human answers a request or the timeout passes."),
			mcp.WithString("request_id", mcp.Description("Id returned by send_request"), mcp.Required()),
			mcp.WithNumber("timeout", mcp.Description("Seconds to wait (default: the request's own timeout, at most 3600)")),
			mcp.WithNumber("poll_interval", mcp.Description("Seconds between checks (default 2)")),
		),
		mcpAwaitResponse(deps),
	)

	s.AddTool(
		mcp.NewTool("get_request_status",
			mcp.WithDescription("Return the current status of a request without waiting."),
			mcp.WithString("request_id", mcp.Description("Id returned by send_request"), mcp.Required()),
		),
		mcpGetRequestStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_request_history",
			mcp.WithDescription("List recent requests, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of requests (default 10)")),
			mcp.WithBoolean("completed_only", mcp.Description("Only include answered requests")),
		),
		mcpGetRequestHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_expired_requests",
			mcp.WithDescription("Delete requests older than the given number of days, answered or not."),
			mcp.WithNumber("older_than_days", mcp.Description("Age threshold in days (default: retention.older_than_days)")),
		),
		mcpClearExpiredRequests(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_response",
			mcp.WithDescription("Record an answer for a request directly, without Telegram."),
			mcp.WithString("request_id", mcp.Description("Id returned by send_request"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The answer text"), mcp.Required()),
		),
		mcpSubmitResponse(deps),
	)

	return s
}

func mcpSendRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil || message == "" {
			return mcpError("message is required"), nil
		}

		sub, err := deps.Relay.SubmitQuestion(ctx, deps.Owner, relay.QuestionInput{
			Prompt:         message,
			TimeoutSeconds: req.GetInt("timeout", 0),
			Metadata:       req.GetString("metadata", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("send_request failed: %v", err)), nil
		}
		return mcpJSON(sub), nil
	}
}

func mcpAwaitResponse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}

		opts := relay.AwaitOptions{
			Timeout: time.Duration(min(req.GetInt("timeout", 0), relay.MaxTimeoutSeconds)) * time.Second,
		}
		if v := req.GetFloat("poll_interval", 0); v > 0 {
			opts.PollInterval = time.Duration(v * float64(time.Second))
		}

		ans, err := deps.Relay.AwaitAnswer(ctx, deps.Owner, id, opts)
		switch {
		case errors.Is(err, relay.ErrNotFound):
			return mcpError(fmt.Sprintf("request not found: %s", id)), nil
		case errors.Is(err, relay.ErrTimeout):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("await_response failed: %v", err)), nil
		}
		return mcpJSON(ans), nil
	}
}

func mcpGetRequestStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}

		st, err := deps.Relay.GetStatus(ctx, deps.Owner, id)
		if errors.Is(err, relay.ErrNotFound) {
			return mcpError(fmt.Sprintf("request not found: %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("get_request_status failed: %v", err)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpGetRequestHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", relay.DefaultHistoryLimit)
		if limit <= 0 {
			limit = relay.DefaultHistoryLimit
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}

		qs, err := deps.Relay.ListHistory(ctx, deps.Owner, limit, req.GetBool("completed_only", false))
		if err != nil {
			return mcpError(fmt.Sprintf("get_request_history failed: %v", err)), nil
		}
		return mcpJSON(toHistory(qs)), nil
	}
}

func mcpClearExpiredRequests(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Relay.Cleanup(ctx, req.GetInt("older_than_days", 0))
		if err != nil {
			return mcpError(fmt.Sprintf("clear_expired_requests failed: %v", err)), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpSubmitResponse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		response, err := req.RequireString("response")
		if err != nil || response == "" {
			return mcpError("response is required"), nil
		}

		ans, err := deps.Relay.SubmitAnswer(ctx, deps.Owner, id, response)
		if errors.Is(err, relay.ErrNotFound) {
			return mcpError(fmt.Sprintf("request not found: %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("submit_response failed: %v", err)), nil
		}
		return mcpJSON(ans), nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	text, err := indentJSON(v)
	if err != nil {
		return mcpError(err.Error())
	}
	return mcpText(text)
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
