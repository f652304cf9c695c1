package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tempo/internal/api"
	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/config"
	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/recommender"
	"github.com/kalambet/tempo/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the import-enrich-analyze pipeline on a calendar",
	Long: `Run the import-enrich-analyze pipeline on a calendar.

Examples:
  tempo run --file ./calendar.ics --session personal
  tempo run --file ./calendar.ics --timezone Europe/Lisbon --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		session, _ := cmd.Flags().GetString("session")
		timezone, _ := cmd.Flags().GetString("timezone")
		async, _ := cmd.Flags().GetBool("async")
		noCache, _ := cmd.Flags().GetBool("no-cache")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading calendar file: %w", err)
		}

		req := map[string]any{
			"ics_content": string(data),
		}
		if session != "" {
			req["session_id"] = session
		}
		if timezone != "" {
			req["timezone"] = timezone
		}
		if noCache {
			req["use_cache"] = false
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if async {
			resp, err := client.post("/v1/tasks", req)
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Queued task %s", result["task_id"])
			fmt.Printf("Poll with: tempo tasks show %s\n", result["task_id"])
			return nil
		}

		resp, err := client.post("/v1/pipeline/run", req)
		if err != nil {
			return err
		}
		var result pipeline.RunResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Pipeline complete")
		printStatus("Imported", "%d events", result.Counts.Imported)
		printStatus("Enriched", "%d events", result.Counts.Enriched)
		printStatus("Analyzed", "%d events", result.Counts.Analyzed)
		printStatus("Cache key", "%s", result.Key.AnalyzeHash)
		return nil
	},
}

func init() {
	runCmd.Flags().String("file", "", "path to an ICS calendar file")
	runCmd.Flags().String("session", "", "session ID to record the result under")
	runCmd.Flags().String("timezone", "", "IANA timezone override")
	runCmd.Flags().Bool("async", false, "submit as a background task instead of waiting")
	runCmd.Flags().Bool("no-cache", false, "bypass the stage cache for this run")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage background pipeline tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if session != "" {
			q.Set("session_id", session)
		}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))

		resp, err := client.get("/v1/tasks?" + q.Encode())
		if err != nil {
			return err
		}
		var tasks []api.TaskView
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-10s %3d%%  %s\n",
				colorize(colorCyan, t.TaskID[:8]),
				t.Status,
				t.Progress,
				t.CreatedAt.Format(time.RFC3339),
			)
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/tasks/" + args[0])
		if err != nil {
			return err
		}
		var t api.TaskView
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/v1/tasks/" + args[0])
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == "cancelled" {
			printSuccess("Task %v cancelled", result["task_id"])
		} else {
			printSuccess("Cancellation requested for task %v", result["task_id"])
		}
		return nil
	},
}

var tasksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished tasks older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(fmt.Sprintf("/v1/tasks/completed?days=%d", days))
		if err != nil {
			return err
		}
		var result map[string]int64
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d tasks", result["removed"])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("session", "", "filter by session ID")
	tasksListCmd.Flags().String("status", "", "filter by status")
	tasksListCmd.Flags().Int("limit", 50, "maximum number of tasks to list")
	tasksCleanupCmd.Flags().Int("days", 7, "delete finished tasks older than this many days")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksCleanupCmd)
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend <summary>",
	Short: "Recommend a time slot for a new event",
	Long: `Recommend a time slot for a new event, using a previously
analyzed calendar.

Examples:
  tempo recommend "Standup" --duration 15 --session personal
  tempo recommend "Dentist" --duration 60 --category health --key <cache-key>`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetInt("duration")
		session, _ := cmd.Flags().GetString("session")
		key, _ := cmd.Flags().GetString("key")
		category, _ := cmd.Flags().GetString("category")
		high, _ := cmd.Flags().GetBool("high-priority")

		req := map[string]any{
			"summary":      strings.Join(args, " "),
			"duration_min": duration,
		}
		if session != "" {
			req["session_id"] = session
		}
		if key != "" {
			req["cache_key"] = key
		}
		if category != "" {
			req["category"] = category
		}
		if high {
			req["priority_type"] = "high"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/recommend", req)
		if err != nil {
			return err
		}
		var result recommender.Result
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Recommendation == nil {
			printWarning("No free slot found in the search horizon")
			return nil
		}

		printSlot("Best slot", *result.Recommendation)
		for _, alt := range result.Alternatives {
			printSlot(fmt.Sprintf("Alternative %d", alt.Rank), alt)
		}
		for _, c := range result.Conflicts {
			printWarning("%s", c)
		}
		return nil
	},
}

func printSlot(label string, rec recommender.Recommendation) {
	fmt.Printf("\n%s  %s - %s  [score %.2f]\n",
		colorize(colorBold, label+":"),
		rec.Slot.Start.Format("Mon Jan 2 15:04"),
		rec.Slot.End.Format("15:04"),
		rec.Score,
	)
	for _, reason := range rec.Rationale {
		fmt.Printf("  - %s\n", reason.Detail)
	}
}

func init() {
	recommendCmd.Flags().Int("duration", 30, "event duration in minutes")
	recommendCmd.Flags().String("session", "", "session whose analysis to use")
	recommendCmd.Flags().String("key", "", "explicit analyze cache key")
	recommendCmd.Flags().String("category", "", "event category (work, study, health, ...)")
	recommendCmd.Flags().Bool("high-priority", false, "prefer the earliest viable slot")
}

// --- analytics ---

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show learned windows and weekly aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		key, _ := cmd.Flags().GetString("key")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if session != "" {
			q.Set("session_id", session)
		}
		if key != "" {
			q.Set("cache_key", key)
		}

		resp, err := client.get("/v1/analytics?" + q.Encode())
		if err != nil {
			return err
		}
		var result api.AnalyticsResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Events", "%d", result.EventCount)
		printStatus("Total this week", "%d events", result.Aggregates.TotalEvents)
		printStatus("Meetings", "%.1f h", result.Aggregates.MeetingsHours)
		printStatus("Focus time", "%.1f h", result.Aggregates.FocusHours)
		if result.Aggregates.BusiestDay != "" {
			printStatus("Busiest day", "%s", result.Aggregates.BusiestDay)
		}

		cats := make([]string, 0, len(result.Windows))
		for c := range result.Windows {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		fmt.Println()
		for _, c := range cats {
			w := result.Windows[calendar.Category(c)]
			fmt.Printf("  %-10s %s - %s  (confidence %.2f, n=%d)\n",
				c, w.Start, w.End, w.Confidence, w.SampleSize)
		}
		return nil
	},
}

func init() {
	analyticsCmd.Flags().String("session", "", "session whose analysis to use")
	analyticsCmd.Flags().String("key", "", "explicit analyze cache key")
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clean the stage cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts by stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/cache/stats")
		if err != nil {
			return err
		}
		var stats storage.CacheStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Total entries", "%d", stats.TotalEntries)
		printStatus("Expired", "%d", stats.Expired)
		stages := make([]string, 0, len(stats.ByStage))
		for s := range stats.ByStage {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		for _, s := range stages {
			printStatus("  "+s, "%d", stats.ByStage[s])
		}
		return nil
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/v1/cache/expired")
		if err != nil {
			return err
		}
		var result map[string]int64
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d expired entries", result["removed"])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
