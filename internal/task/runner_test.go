package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kalambet/tempo/internal/analyzer"
	"github.com/kalambet/tempo/internal/cache"
	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/enricher"
	"github.com/kalambet/tempo/internal/importer"
	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/storage"
)

type stubStages struct {
	enrichErr   error
	cancelAfter func()
}

func (s *stubStages) Import(ctx context.Context, req importer.Request) (*importer.Result, error) {
	if s.cancelAfter != nil {
		s.cancelAfter()
	}
	return &importer.Result{TZ: req.Timezone, Events: []calendar.Event{{
		Calendar: "Test",
		Start:    time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
		Summary:  "standup",
	}}}, nil
}

func (s *stubStages) Enrich(ctx context.Context, req enricher.Request) (*enricher.Result, error) {
	if s.enrichErr != nil {
		return nil, s.enrichErr
	}
	events := make([]calendar.EnrichedEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		events = append(events, calendar.EnrichedEvent{Event: ev, Category: calendar.CategoryWork})
	}
	return &enricher.Result{TZ: req.TZ, Events: events}, nil
}

func (s *stubStages) Analyze(ctx context.Context, req analyzer.Request) (*calendar.Analysis, error) {
	return &calendar.Analysis{TZ: req.TZ, Events: req.Events}, nil
}

type runnerEnv struct {
	runner *Runner
	store  *storage.Store
	stages *stubStages
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc, err := cache.New(store, cache.Options{ImportTTL: time.Hour, EnrichTTL: time.Hour, AnalyzeTTL: time.Hour}, log)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	t.Cleanup(sc.Close)

	stages := &stubStages{}
	orch := pipeline.New(stages, stages, stages, sc, store, time.Minute, log)
	return &runnerEnv{
		runner: NewRunner(store, orch, time.Millisecond, log),
		store:  store,
		stages: stages,
	}
}

func testInput() Input {
	return Input{
		ICS:           "BEGIN:VCALENDAR...",
		Timezone:      "UTC",
		DaysLimit:     14,
		AnalysisWeeks: 2,
		MinSampleSize: 3,
	}
}

func TestSubmitAndRunToCompletion(t *testing.T) {
	env := newRunnerEnv(t)

	taskID, err := Submit(env.store, "sess-1", testInput(), true, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done, err := env.runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce found no task")
	}

	got, err := env.store.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskCompleted {
		t.Errorf("status = %q, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.ImportHash == "" || got.EnrichHash == "" || got.AnalyzeHash == "" {
		t.Errorf("stage hashes missing: %q/%q/%q", got.ImportHash, got.EnrichHash, got.AnalyzeHash)
	}
	if got.AnalyzeResult == "" {
		t.Error("analyze result not recorded")
	}
}

func TestRunOnceIdleQueue(t *testing.T) {
	env := newRunnerEnv(t)
	done, err := env.runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce claims to have processed a task on an empty queue")
	}
}

func TestStageFailureRecordsStage(t *testing.T) {
	env := newRunnerEnv(t)
	env.stages.enrichErr = errors.New("classifier exploded")

	taskID, err := Submit(env.store, "sess-1", testInput(), true, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := env.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := env.store.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.CurrentStage != "enrich" {
		t.Errorf("current_stage = %q, want enrich", got.CurrentStage)
	}
	if got.ErrorMessage == "" {
		t.Error("error_message empty")
	}
	// The import result survives for diagnostics.
	if got.ImportHash == "" || got.ImportResult == "" {
		t.Error("partial import result not retained")
	}
}

func TestCooperativeCancellation(t *testing.T) {
	env := newRunnerEnv(t)

	taskID, err := Submit(env.store, "sess-1", testInput(), true, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Request cancellation while the import stage runs; the runner
	// must observe it at the next stage boundary.
	env.stages.cancelAfter = func() {
		if ok, err := env.store.RequestCancelTask(taskID); err != nil || !ok {
			t.Errorf("RequestCancelTask: ok=%v err=%v", ok, err)
		}
	}

	if _, err := env.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := env.store.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	// The enrich stage never ran.
	if got.EnrichHash != "" {
		t.Errorf("enrich_hash = %q, want empty after cancellation", got.EnrichHash)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	env := newRunnerEnv(t)

	taskID, err := Submit(env.store, "sess-1", testInput(), true, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var observed []int
	claimed, err := env.store.ClaimNextTask()
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	// Drive the stage transitions the way the runner does and poll
	// after each.
	for _, p := range []struct {
		progress int
		stage    string
	}{{0, "import"}, {33, "enrich"}, {66, "analyze"}} {
		if err := env.store.UpdateTaskProgress(taskID, p.progress, p.stage); err != nil {
			t.Fatalf("UpdateTaskProgress(%d): %v", p.progress, err)
		}
		got, err := env.store.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		observed = append(observed, got.Progress)
	}
	if err := env.store.CompleteTask(taskID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	got, err := env.store.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	observed = append(observed, got.Progress)

	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Fatalf("progress regressed: %v", observed)
		}
	}
	if observed[len(observed)-1] != 100 {
		t.Errorf("final progress = %d, want 100", observed[len(observed)-1])
	}
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	env := newRunnerEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		env.runner.Run(ctx)
		close(doneCh)
	}()

	cancel()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}
