package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/ingest"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

const failedRunsLimit = 50

// NewMCPServer creates an MCP server exposing feedback submission, digests
// and run inspection.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"fds",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fds: submit user feedback for classification and read AI-generated digests."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Queue a piece of user feedback for classification and storage"),
			mcp.WithString("message", mcp.Required(), mcp.Description("The feedback text")),
			mcp.WithString("source", mcp.Description("Where the feedback came from (default: unknown)")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("get_digest",
			mcp.WithDescription("Summarize stored feedback for a product manager"),
			mcp.WithString("window", mcp.Description("24h (default) or all")),
		),
		mcpGetDigest(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Show the state of an ingestion run and its steps"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Run ID returned by submit_feedback")),
		),
		mcpGetRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://failed",
			"Failed Runs",
			mcp.WithResourceDescription("Most recent ingestion runs that exhausted their retries"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFailedRuns(deps),
	)

	return s
}

func mcpSubmitFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		id, err := deps.Pipeline.Submit(ctx, ingest.FeedbackSubmission{
			Source:  req.GetString("source", ""),
			Message: message,
		})
		if errors.Is(err, ingest.ErrEmptyMessage) {
			return mcpError("message is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue feedback: %v", err)), nil
		}

		return mcpText(fmt.Sprintf(`{"status":"queued","id":%q}`, id)), nil
	}
}

func mcpGetDigest(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		window, err := digest.ParseWindow(req.GetString("window", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		summary, err := deps.Digest.Generate(ctx, window)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to generate digest: %v", err)), nil
		}
		return mcpText(summary), nil
	}
}

func mcpGetRun(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		run, err := deps.Store.GetRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}
		steps, err := deps.Store.RunSteps(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run steps: %v", err)), nil
		}

		b, err := json.Marshal(toRunView(run, steps))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceFailedRuns(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(ctx, storage.RunFailed, failedRunsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list failed runs: %w", err)
		}

		views := make([]RunView, len(runs))
		for i, run := range runs {
			views[i] = toRunView(run, nil)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
