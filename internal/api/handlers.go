package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tempo/internal/cache"
	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/config"
	"github.com/kalambet/tempo/internal/importer"
	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/recommender"
	"github.com/kalambet/tempo/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxCalendarBodySize = 10 << 20 // 10MB

type AppDeps struct {
	Store    *storage.Store
	Cache    *cache.StageCache
	Orch     *pipeline.Orchestrator
	Rec      *recommender.Recommender
	Token    string
	Defaults config.PipelineConfig
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(v chi.Router) {
		v.Use(BearerAuth(deps.Token))

		v.Post("/pipeline/run", handlePipelineRun(deps))

		v.Post("/tasks", handleSubmitTask(deps))
		v.Get("/tasks", handleListTasks(deps))
		v.Delete("/tasks/completed", handleDeleteCompletedTasks(deps))
		v.Get("/tasks/{id}", handleGetTask(deps))
		v.Delete("/tasks/{id}", handleCancelTask(deps))

		v.Post("/recommend", handleRecommend(deps))
		v.Get("/analytics", handleAnalytics(deps))

		v.Get("/cache/stats", handleCacheStats(deps))
		v.Delete("/cache/expired", handleCacheCleanup(deps))
	})

	return r
}

// PipelineRequest is the shared body of synchronous runs and task
// submissions. Omitted knobs fall back to the server defaults;
// pointer fields distinguish "absent" from an explicit zero.
type PipelineRequest struct {
	SessionID       string              `json:"session_id,omitempty"`
	ICS             string              `json:"ics_content,omitempty"`
	Events          []importer.RawEvent `json:"events,omitempty"`
	Timezone        string              `json:"timezone,omitempty"`
	ExpandRecurring *bool               `json:"expand_recurring,omitempty"`
	HorizonDays     int                 `json:"horizon_days,omitempty"`
	DaysLimit       *int                `json:"days_limit,omitempty"`
	AnalysisWeeks   int                 `json:"analysis_weeks,omitempty"`
	MinSampleSize   int                 `json:"min_sample_size,omitempty"`
	UseCache        *bool               `json:"use_cache,omitempty"`
	UseLLM          bool                `json:"use_llm,omitempty"`
}

func (req *PipelineRequest) params(defaults config.PipelineConfig) pipeline.Params {
	p := pipeline.Params{
		SessionID:       req.SessionID,
		ICS:             req.ICS,
		Events:          req.Events,
		Timezone:        defaults.Timezone,
		ExpandRecurring: defaults.ExpandRecurring,
		HorizonDays:     defaults.HorizonDays,
		DaysLimit:       defaults.DaysLimit,
		AnalysisWeeks:   defaults.AnalysisWeeks,
		MinSampleSize:   defaults.MinSampleSize,
		UseCache:        defaults.UseCache,
		UseLLM:          req.UseLLM,
	}
	if req.Timezone != "" {
		p.Timezone = req.Timezone
	}
	if req.ExpandRecurring != nil {
		p.ExpandRecurring = *req.ExpandRecurring
	}
	if req.HorizonDays > 0 {
		p.HorizonDays = req.HorizonDays
	}
	if req.DaysLimit != nil {
		p.DaysLimit = *req.DaysLimit
	}
	if req.AnalysisWeeks > 0 {
		p.AnalysisWeeks = req.AnalysisWeeks
	}
	if req.MinSampleSize > 0 {
		p.MinSampleSize = req.MinSampleSize
	}
	if req.UseCache != nil {
		p.UseCache = *req.UseCache
	}
	return p
}

// decodePipelineRequest reads either a JSON body or a multipart form
// with an ICS file under the "file" field.
func decodePipelineRequest(r *http.Request) (PipelineRequest, error) {
	var req PipelineRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxCalendarBodySize); err != nil {
			return req, fmt.Errorf("parsing multipart form: %w", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return req, fmt.Errorf("reading file field: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxCalendarBodySize))
		if err != nil {
			return req, fmt.Errorf("reading uploaded calendar: %w", err)
		}
		req.ICS = string(data)
		req.SessionID = r.FormValue("session_id")
		req.Timezone = r.FormValue("timezone")
		return req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

func handlePipelineRun(deps AppDeps) http.HandlerFunc {
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

		result, err := deps.Orch.Run(r.Context(), req.params(deps.Defaults), pipeline.Hooks{})
		if err != nil {
			var se *pipeline.StageError
			if errors.As(err, &se) {
				if errors.Is(se.Err, importer.ErrImport) {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", se.Err)
					return
				}
				httpError(w, http.StatusUnprocessableEntity, "pipeline_error", "stage %s failed: %v", se.Stage, se.Err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "pipeline run failed: %v", err)
			return
		}

		writeJSON(w, result)
	}
}

// RecommendRequest resolves an analysis by explicit cache key or by
// session pointer, then scores slots for the described event.
type RecommendRequest struct {
	CacheKey  string `json:"cache_key,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Summary     string            `json:"summary"`
	DurationMin int               `json:"duration_min"`
	Category    calendar.Category `json:"category,omitempty"`
	Priority    calendar.Priority `json:"priority_type,omitempty"`
}

func handleRecommend(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RecommendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DurationMin <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "duration_min must be positive")
			return
		}

		analysis, err := resolveAnalysis(deps, req.CacheKey, req.SessionID)
		if err != nil {
			writeAnalysisError(w, err)
			return
		}

		result, err := deps.Rec.Recommend(r.Context(), analysis, recommender.Query{
			Summary:     req.Summary,
			DurationMin: req.DurationMin,
			Category:    req.Category,
			Priority:    req.Priority,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recommendation failed: %v", err)
			return
		}

		writeJSON(w, result)
	}
}

// AnalyticsResponse is the dashboard view of a cached analysis. The
// event list itself is omitted to keep the payload small.
type AnalyticsResponse struct {
	TZ         string                                    `json:"tz"`
	EventCount int                                       `json:"event_count"`
	Windows    map[calendar.Category]calendar.TimeWindow `json:"windows"`
	Aggregates calendar.DashboardAggregates              `json:"aggregates"`
	Patterns   calendar.Patterns                         `json:"patterns"`
}

func handleAnalytics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cacheKey := r.URL.Query().Get("cache_key")
		sessionID := r.URL.Query().Get("session_id")

		analysis, err := resolveAnalysis(deps, cacheKey, sessionID)
		if err != nil {
			writeAnalysisError(w, err)
			return
		}

		writeJSON(w, AnalyticsResponse{
			TZ:         analysis.TZ,
			EventCount: len(analysis.Events),
			Windows:    analysis.Windows,
			Aggregates: analysis.Aggregates,
			Patterns:   analysis.Patterns,
		})
	}
}

var errMissingKey = errors.New("one of cache_key or session_id is required")

// resolveAnalysis loads an analysis by analyze hash, or by the
// session's latest chain when only a session ID is given.
func resolveAnalysis(deps AppDeps, cacheKey, sessionID string) (*calendar.Analysis, error) {
	hash := cacheKey
	if hash == "" {
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

func writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMissingKey):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "analysis not found or expired; re-run the pipeline")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load analysis: %v", err)
	}
}

func handleCacheStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Cache.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read cache stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleCacheCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Cache.CleanupExpired()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cache cleanup failed: %v", err)
			return
		}
		writeJSON(w, map[string]int64{"removed": removed})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.AppliedMigrations(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
