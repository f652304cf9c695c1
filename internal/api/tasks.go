package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/storage"
	"github.com/kalambet/tempo/internal/task"
)

// TaskView is the external shape of a task row. CacheKey is present
// only once the task completed.
type TaskView struct {
	TaskID       string        `json:"task_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Status       string        `json:"status"`
	Progress     int           `json:"progress"`
	CurrentStage string        `json:"current_stage,omitempty"`
	Error        string        `json:"error,omitempty"`
	CacheKey     *pipeline.Key `json:"cache_key,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

func taskView(t storage.Task) TaskView {
	v := TaskView{
		TaskID:       t.TaskID,
		SessionID:    t.SessionID,
		Status:       t.Status,
		Progress:     t.Progress,
		CurrentStage: t.CurrentStage,
		Error:        t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
	if t.Status == "completed" {
		v.CacheKey = &pipeline.Key{
			ImportHash:  t.ImportHash,
			EnrichHash:  t.EnrichHash,
			AnalyzeHash: t.AnalyzeHash,
		}
	}
	return v
}

func handleSubmitTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCalendarBodySize)
		defer r.Body.Close()

		req, err := decodePipelineRequest(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.ICS == "" && len(req.Events) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of ics_content or events is required")
			return
		}

		p := req.params(deps.Defaults)
		taskID, err := task.Submit(deps.Store, req.SessionID, task.Input{
			ICS:             p.ICS,
			Events:          p.Events,
			Timezone:        p.Timezone,
			ExpandRecurring: p.ExpandRecurring,
			HorizonDays:     p.HorizonDays,
			DaysLimit:       p.DaysLimit,
			AnalysisWeeks:   p.AnalysisWeeks,
			MinSampleSize:   p.MinSampleSize,
		}, p.UseCache, p.UseLLM)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"task_id": taskID,
			"status":  "pending",
		})
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		t, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		writeJSON(w, taskView(t))
	}
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		status := r.URL.Query().Get("status")
		limit := parseIntParam(r, "limit", 50, 200)

		tasks, err := deps.Store.ListTasks(sessionID, status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		views := make([]TaskView, len(tasks))
		for i, t := range tasks {
			views[i] = taskView(t)
		}

		writeJSON(w, views)
	}
}

func handleCancelTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		accepted, err := deps.Store.RequestCancelTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel task: %v", err)
			return
		}
		if !accepted {
			httpError(w, http.StatusConflict, "invalid_request_error", "task already finished")
			return
		}

		t, err := deps.Store.GetTask(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"task_id":          t.TaskID,
			"status":           t.Status,
			"cancel_requested": t.CancelRequested,
		})
	}
}

func handleDeleteCompletedTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, 0)

		removed, err := deps.Store.DeleteTasksOlderThan(days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete tasks: %v", err)
			return
		}

		writeJSON(w, map[string]int64{"removed": removed})
	}
}
