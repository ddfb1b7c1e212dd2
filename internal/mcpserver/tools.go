package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("get_runtime_status",
			mcp.WithDescription("Get the agent's current status: cognitive state, processor round, task and thought backlog."),
		),
		getHandler(cfg, log, "/v1/agent/status"),
	)

	s.AddTool(
		mcp.NewTool("get_queue_status",
			mcp.WithDescription("Get the processing backlog: pending/active tasks and pending/processing thoughts."),
		),
		getHandler(cfg, log, "/v1/runtime/queue"),
	)

	s.AddTool(
		mcp.NewTool("pause_processor",
			mcp.WithDescription("Pause the thought processor. No new work is admitted until resumed."),
		),
		postHandler(cfg, log, "/v1/runtime/processor/pause", nil),
	)

	s.AddTool(
		mcp.NewTool("resume_processor",
			mcp.WithDescription("Resume a paused thought processor."),
		),
		postHandler(cfg, log, "/v1/runtime/processor/resume", nil),
	)

	s.AddTool(
		mcp.NewTool("single_step",
			mcp.WithDescription("Run exactly one processing round and report how many thoughts were handled. Works while paused."),
		),
		postHandler(cfg, log, "/v1/runtime/processor/step", nil),
	)

	s.AddTool(
		mcp.NewTool("verify_audit",
			mcp.WithDescription("Verify the audit hash chain end to end and report the first broken sequence, if any."),
		),
		postHandler(cfg, log, "/v1/audit/verify", nil),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func getHandler(cfg Config, log *logger.Logger, path string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := cfg.APIBaseURL + path
		resp, err := http.Get(url)
		if err != nil {
			log.Error("runtime API request failed", zap.String("url", url), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()
		return formatResponse(resp)
	}
}

func postHandler(cfg Config, log *logger.Logger, path string, body interface{}) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := cfg.APIBaseURL + path

		var payload bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&payload).Encode(body); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to encode request: %v", err)), nil
			}
		}
		resp, err := http.Post(url, "application/json", &payload)
		if err != nil {
			log.Error("runtime API request failed", zap.String("url", url), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()
		return formatResponse(resp)
	}
}

func formatResponse(resp *http.Response) (*mcp.CallToolResult, error) {
	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(string(formatted)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
