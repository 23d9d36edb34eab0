package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sudocode-ai/execweave/internal/workflow/model"
)

// defaultAwaitTimeout is used by escalate_to_user/await_event when the
// caller omits timeout_seconds.
const defaultAwaitTimeout = 60 * time.Second

// HostLookup resolves the Host bound to workflowID. One MCP server (per
// project) serves every concurrently running orchestrator workflow, so
// every tool call names which workflow it targets.
type HostLookup func(workflowID string) (*Host, error)

// RegisterTools exposes every Host's tool-call surface (core §4.7.2) as
// MCP tools, the same way a real orchestrator agent driven through C3
// would see and invoke them. Grounded on the teacher's internal/mcpserver:
// one mcp.NewTool + server.ToolHandlerFunc pair per operation, string
// arguments decoded with RequireString/GetString/GetArguments rather
// than relying on numeric-argument helpers this module doesn't exercise
// elsewhere.
func RegisterTools(s *server.MCPServer, lookup HostLookup) {
	s.AddTool(
		mcp.NewTool("workflow_status",
			mcp.WithDescription("Return the current workflow step array and which step ids are ready to run."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
		),
		workflowStatusHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("execute_issue",
			mcp.WithDescription("Launch a child execution for an issue and bind it to a workflow step."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("issue_id", mcp.Required(), mcp.Description("The issue id to execute")),
			mcp.WithString("agent_type", mcp.Description("Agent type override; defaults to the workflow's default_agent_type")),
		),
		executeIssueHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("execution_status",
			mcp.WithDescription("Return the current status of a child execution."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution id")),
		),
		executionStatusHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("execution_trajectory",
			mcp.WithDescription("Return a page of an execution's normalized trajectory log entries."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution id")),
			mcp.WithString("from_index", mcp.Description("First index to return (default 0)")),
			mcp.WithString("limit", mcp.Description("Maximum entries to return (default unbounded)")),
		),
		executionTrajectoryHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("execution_changes",
			mcp.WithDescription("Return the list of files an execution's worktree has changed."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution id")),
		),
		executionChangesHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("execution_cancel",
			mcp.WithDescription("Cancel a still-running child execution."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution id")),
		),
		executionCancelHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("workflow_complete",
			mcp.WithDescription("Mark the workflow terminal (completed, failed, or cancelled) with a summary."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of completed, failed, cancelled")),
			mcp.WithString("summary", mcp.Description("Human-readable summary of the outcome")),
		),
		workflowCompleteHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("escalate_to_user",
			mcp.WithDescription("Publish a question with options to the user and block until the timeout elapses; no answer is delivered back."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The question to show the user")),
			mcp.WithArray("options", mcp.Required(), mcp.Description("The choices offered to the user")),
			mcp.WithString("timeout_seconds", mcp.Description("Seconds to wait before timing out (default 60)")),
		),
		escalateToUserHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("notify_user",
			mcp.WithDescription("Send a fire-and-forget notice to the user; does not block."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithString("level", mcp.Required(), mcp.Description("info, warn, or error")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The notice text")),
		),
		notifyUserHandler(lookup),
	)

	s.AddTool(
		mcp.NewTool("await_event",
			mcp.WithDescription("Block until one of the named event types is observed on this workflow or the timeout elapses."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow id")),
			mcp.WithArray("event_types", mcp.Required(), mcp.Description("Event types to wake on, e.g. step_completed, step_failed, user_message")),
			mcp.WithString("timeout_seconds", mcp.Description("Seconds to wait before timing out (default 60)")),
		),
		awaitEventHandler(lookup),
	)
}

func resolveHost(lookup HostLookup, req mcp.CallToolRequest) (*Host, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return nil, err
	}
	return lookup(workflowID)
}

func workflowStatusHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		wf, ready, err := host.WorkflowStatus(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"workflow": wf, "ready_step_ids": ready})
	}
}

func executeIssueHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		issueID, err := req.RequireString("issue_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentType := req.GetString("agent_type", "")
		executionID, err := host.ExecuteIssue(ctx, issueID, agentType)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"execution_id": executionID})
	}
}

func executionStatusHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ex, err := host.ExecutionStatus(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(ex)
	}
}

func executionTrajectoryHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fromIndex := parseIntOr(req.GetString("from_index", ""), 0)
		limit := parseIntOr(req.GetString("limit", ""), 0)
		entries, err := host.ExecutionTrajectory(ctx, executionID, fromIndex, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(entries)
	}
}

func executionChangesHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		changes, err := host.ExecutionChanges(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"files_changed": changes})
	}
}

func executionCancelHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := host.ExecutionCancel(ctx, executionID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("cancelled"), nil
	}
}

func workflowCompleteHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		statusStr, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status := model.Status(statusStr)
		switch status {
		case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		default:
			return mcp.NewToolResultError("status must be one of completed, failed, cancelled"), nil
		}
		summary := req.GetString("summary", "")
		if err := host.WorkflowComplete(ctx, status, summary); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("workflow marked " + statusStr), nil
	}
}

func escalateToUserHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		options, err := stringSliceArg(req, "options")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := parseDurationOr(req.GetString("timeout_seconds", ""), defaultAwaitTimeout)
		answer, err := host.EscalateToUser(ctx, message, options, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(answer), nil
	}
}

func notifyUserHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		level, err := req.RequireString("level")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := host.NotifyUser(ctx, level, message); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("notified"), nil
	}
}

func awaitEventHandler(lookup HostLookup) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := resolveHost(lookup, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		eventTypes, err := stringSliceArg(req, "event_types")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := parseDurationOr(req.GetString("timeout_seconds", ""), defaultAwaitTimeout)
		matched, err := host.AwaitEvent(ctx, eventTypes, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(matched), nil
	}
}

// stringSliceArg decodes a JSON array argument into []string, the same
// raw-interface round trip the teacher's askUserQuestionHandler uses for
// its "options" argument.
func stringSliceArg(req mcp.CallToolRequest, name string) ([]string, error) {
	raw, ok := req.GetArguments()[name]
	if !ok {
		return nil, fmt.Errorf("%s is required", name)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s: expected an array of strings: %w", name, err)
	}
	return out, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
