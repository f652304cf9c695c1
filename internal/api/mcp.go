package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/recommender"
	"github.com/kalambet/tempo/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Orch  AnalysisSource
	Rec   *recommender.Recommender
}

// AnalysisSource abstracts cached-analysis lookup for the MCP layer.
type AnalysisSource interface {
	CachedAnalysis(analyzeHash string) (*calendar.Analysis, error)
}

// NewMCPServer creates an MCP server exposing slot recommendation,
// calendar analytics, and task polling as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tempo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("tempo — calendar assistant backend: analyzed calendars, learned time windows, and slot recommendations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recommend_slot",
			mcp.WithDescription("Recommend the best free time slot for a new event, based on a previously analyzed calendar."),
			mcp.WithString("summary", mcp.Description("Event title, used to derive the category when none is given")),
			mcp.WithNumber("duration_min", mcp.Description("Event duration in minutes"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Event category (work, study, health, ...); derived from summary when omitted")),
			mcp.WithString("priority_type", mcp.Description("regular or high")),
			mcp.WithString("cache_key", mcp.Description("Analyze-stage hash returned by a pipeline run")),
			mcp.WithString("session_id", mcp.Description("Session whose latest analysis to use, when cache_key is omitted")),
		),
		mcpRecommendSlot(deps),
	)

	s.AddTool(
		mcp.NewTool("calendar_analytics",
			mcp.WithDescription("Return learned time windows, weekly aggregates, and patterns for an analyzed calendar."),
			mcp.WithString("cache_key", mcp.Description("Analyze-stage hash returned by a pipeline run")),
			mcp.WithString("session_id", mcp.Description("Session whose latest analysis to use, when cache_key is omitted")),
		),
		mcpCalendarAnalytics(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Check the status and progress of a background pipeline task."),
			mcp.WithString("task_id", mcp.Description("Task ID returned at submission"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	return s
}

func mcpAnalysis(deps MCPDeps, req mcp.CallToolRequest) (*calendar.Analysis, error) {
	hash := req.GetString("cache_key", "")
	if hash == "" {
		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			return nil, errMissingKey
		}
		sess, err := deps.Store.GetSession(sessionID)
		if err != nil {
			return nil, err
		}
		hash = sess.AnalyzeHash
	}
	return deps.Orch.CachedAnalysis(hash)
}

func mcpRecommendSlot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		duration := req.GetInt("duration_min", 0)
		if duration <= 0 {
			return mcpError("duration_min must be positive"), nil
		}

		analysis, err := mcpAnalysis(deps, req)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("analysis not found or expired; re-run the pipeline"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load analysis: %v", err)), nil
		}

		result, err := deps.Rec.Recommend(ctx, analysis, recommender.Query{
			Summary:     req.GetString("summary", ""),
			DurationMin: duration,
			Category:    calendar.Category(req.GetString("category", "")),
			Priority:    calendar.Priority(req.GetString("priority_type", "")),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCalendarAnalytics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		analysis, err := mcpAnalysis(deps, req)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("analysis not found or expired; re-run the pipeline"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load analysis: %v", err)), nil
		}

		b, err := json.Marshal(AnalyticsResponse{
			TZ:         analysis.TZ,
			EventCount: len(analysis.Events),
			Windows:    analysis.Windows,
			Aggregates: analysis.Aggregates,
			Patterns:   analysis.Patterns,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analytics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}

		t, err := deps.Store.GetTask(taskID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("task not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get task: %v", err)), nil
		}

		b, err := json.Marshal(taskView(t))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal task: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
