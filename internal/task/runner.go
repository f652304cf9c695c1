// Package task runs background pipeline executions: a runner polls
// the task queue, claims pending tasks, and drives the orchestrator
// while reporting progress and honoring cancellation requests.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tempo/internal/importer"
	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/storage"
)

// Store abstracts the task queue operations.
type Store interface {
	CreateTask(t storage.Task) error
	ClaimNextTask() (*storage.Task, error)
	UpdateTaskProgress(taskID string, progress int, currentStage string) error
	SetTaskStageResult(taskID, stage, hash, resultJSON string) error
	CompleteTask(taskID string) error
	FailTask(taskID, stage, errMsg string) error
	TaskCancelRequested(taskID string) (bool, error)
	MarkTaskCancelled(taskID string) error
}

// Orchestrator runs one pipeline execution.
type Orchestrator interface {
	Run(ctx context.Context, p pipeline.Params, hooks pipeline.Hooks) (*pipeline.RunResult, error)
}

// Input is the submitted pipeline request persisted on the task row.
type Input struct {
	ICS             string              `json:"ics_content,omitempty"`
	Events          []importer.RawEvent `json:"events,omitempty"`
	Timezone        string              `json:"timezone"`
	ExpandRecurring bool                `json:"expand_recurring"`
	HorizonDays     int                 `json:"horizon_days"`
	DaysLimit       int                 `json:"days_limit"`
	AnalysisWeeks   int                 `json:"analysis_weeks"`
	MinSampleSize   int                 `json:"min_sample_size"`
}

// stageProgress maps a starting stage to the reported progress value.
var stageProgress = map[pipeline.Stage]int{
	pipeline.StageImport:  0,
	pipeline.StageEnrich:  33,
	pipeline.StageAnalyze: 66,
}

// Submit persists a new pending task and returns its ID.
func Submit(store Store, sessionID string, in Input, useCache, useLLM bool) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encoding task input: %w", err)
	}
	taskID := uuid.NewString()
	err = store.CreateTask(storage.Task{
		TaskID:    taskID,
		SessionID: sessionID,
		InputData: string(data),
		UseCache:  useCache,
		UseLLM:    useLLM,
	})
	if err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}
	return taskID, nil
}

// Runner executes pending tasks one at a time.
type Runner struct {
	store  Store
	orch   Orchestrator
	poll   time.Duration
	logger *slog.Logger
}

// NewRunner creates a Runner. If pollInterval is <= 0, it defaults to
// 500ms.
func NewRunner(store Store, orch Orchestrator, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Runner{store: store, orch: orch, poll: pollInterval, logger: logger}
}

// Run polls for tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("runner iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and executes a single task. Returns true if a task
// was processed regardless of its outcome.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	t, err := r.store.ClaimNextTask()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if t == nil {
		return false, nil
	}

	r.execute(ctx, t)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, t *storage.Task) {
	var in Input
	if err := json.Unmarshal([]byte(t.InputData), &in); err != nil {
		r.fail(t.TaskID, string(pipeline.StageImport), fmt.Errorf("parsing task input: %w", err))
		return
	}

	params := pipeline.Params{
		SessionID:       t.SessionID,
		ICS:             in.ICS,
		Events:          in.Events,
		Timezone:        in.Timezone,
		ExpandRecurring: in.ExpandRecurring,
		HorizonDays:     in.HorizonDays,
		DaysLimit:       in.DaysLimit,
		AnalysisWeeks:   in.AnalysisWeeks,
		MinSampleSize:   in.MinSampleSize,
		UseCache:        t.UseCache,
		UseLLM:          t.UseLLM,
	}

	failedStage := string(pipeline.StageImport)
	hooks := pipeline.Hooks{
		OnStageStart: func(stage pipeline.Stage) {
			failedStage = string(stage)
			if err := r.store.UpdateTaskProgress(t.TaskID, stageProgress[stage], string(stage)); err != nil {
				r.logger.Warn("updating task progress", "task_id", t.TaskID, "stage", stage, "error", err)
			}
		},
		OnStageDone: func(stage pipeline.Stage, hash string, result []byte) {
			if err := r.store.SetTaskStageResult(t.TaskID, string(stage), hash, string(result)); err != nil {
				r.logger.Warn("recording stage result", "task_id", t.TaskID, "stage", stage, "error", err)
			}
		},
		CancelCheck: func() bool {
			requested, err := r.store.TaskCancelRequested(t.TaskID)
			if err != nil {
				r.logger.Warn("checking cancellation", "task_id", t.TaskID, "error", err)
				return false
			}
			return requested
		},
	}

	_, err := r.orch.Run(ctx, params, hooks)
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		if markErr := r.store.MarkTaskCancelled(t.TaskID); markErr != nil {
			r.logger.Error("marking task cancelled", "task_id", t.TaskID, "error", markErr)
		}
		r.logger.Info("task cancelled", "task_id", t.TaskID)
	case err != nil:
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			failedStage = string(stageErr.Stage)
		}
		r.fail(t.TaskID, failedStage, err)
	default:
		if err := r.store.CompleteTask(t.TaskID); err != nil {
			r.logger.Error("completing task", "task_id", t.TaskID, "error", err)
		}
		r.logger.Info("task completed", "task_id", t.TaskID)
	}
}

func (r *Runner) fail(taskID, stage string, err error) {
	r.logger.Warn("task failed", "task_id", taskID, "stage", stage, "error", err)
	if failErr := r.store.FailTask(taskID, stage, err.Error()); failErr != nil {
		r.logger.Error("marking task failed", "task_id", taskID, "error", failErr)
	}
}
