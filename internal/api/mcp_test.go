package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/recommender"
	"github.com/kalambet/tempo/internal/storage"
)

type stubAnalysisSource struct {
	analysis *calendar.Analysis
}

func (s *stubAnalysisSource) CachedAnalysis(hash string) (*calendar.Analysis, error) {
	if s.analysis == nil {
		return nil, storage.ErrNotFound
	}
	return s.analysis, nil
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	monday := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	analysis := &calendar.Analysis{
		TZ: "UTC",
		Events: []calendar.EnrichedEvent{
			{
				Event: calendar.Event{
					Calendar: "personal",
					Start:    monday,
					End:      monday.Add(time.Hour),
					Summary:  "Team meeting",
				},
				Category: calendar.CategoryWork,
				Priority: calendar.PriorityRegular,
			},
		},
		Windows: map[calendar.Category]calendar.TimeWindow{
			calendar.CategoryWork: {Start: "09:00", End: "18:00", Confidence: 0.8, SampleSize: 5},
		},
	}

	return MCPDeps{
		Store: store,
		Orch:  &stubAnalysisSource{analysis: analysis},
		Rec: recommender.New(recommender.Options{
			SearchDays:      14,
			MaxAlternatives: 3,
			WorkDayStart:    7,
			WorkDayEnd:      23,
			IncludeWeekends: true,
			MinFreeBlock:    30 * time.Minute,

			WeightWindow:        0.40,
			WeightWorkingHours:  0.20,
			WeightProximity:     0.25,
			WeightFragmentation: 0.15,
		}),
	}, store
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

func TestMCPTool_RecommendSlot(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRecommendSlot(deps)

	req := makeCallToolRequest("recommend_slot", map[string]interface{}{
		"summary":      "Design review",
		"duration_min": 30,
		"cache_key":    "abc123",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp recommender.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if resp.Category != calendar.CategoryWork {
		t.Errorf("category = %q, want %q", resp.Category, calendar.CategoryWork)
	}
	if resp.Recommendation == nil {
		t.Fatal("expected a recommendation on a free horizon")
	}
}

func TestMCPTool_RecommendSlot_MissingDuration(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRecommendSlot(deps)

	req := makeCallToolRequest("recommend_slot", map[string]interface{}{
		"cache_key": "abc123",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing duration")
	}
}

func TestMCPTool_RecommendSlot_UnknownAnalysis(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Orch = &stubAnalysisSource{}
	handler := mcpRecommendSlot(deps)

	req := makeCallToolRequest("recommend_slot", map[string]interface{}{
		"duration_min": 30,
		"cache_key":    "gone",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing analysis")
	}
}

func TestMCPTool_CalendarAnalytics(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpCalendarAnalytics(deps)

	req := makeCallToolRequest("calendar_analytics", map[string]interface{}{
		"cache_key": "abc123",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp AnalyticsResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding analytics: %v", err)
	}
	if resp.EventCount != 1 {
		t.Errorf("event_count = %d, want 1", resp.EventCount)
	}
	if _, ok := resp.Windows[calendar.CategoryWork]; !ok {
		t.Error("expected work window in analytics")
	}
}

func TestMCPTool_TaskStatus(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpTaskStatus(deps)

	err := store.CreateTask(storage.Task{TaskID: "task-1", InputData: "{}"})
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}

	result, err := handler(context.Background(), makeCallToolRequest("task_status", map[string]interface{}{
		"task_id": "task-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var view TaskView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("decoding task view: %v", err)
	}
	if view.Status != "pending" {
		t.Errorf("status = %q, want %q", view.Status, "pending")
	}

	result, err = handler(context.Background(), makeCallToolRequest("task_status", map[string]interface{}{
		"task_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing task")
	}
}
