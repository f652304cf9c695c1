// Package pipeline runs the import, enrich, and analyze stages in
// order, addressing every stage result by its content hash so a rerun
// with identical inputs never recomputes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tempo/internal/analyzer"
	"github.com/kalambet/tempo/internal/cache"
	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/enricher"
	"github.com/kalambet/tempo/internal/importer"
	"github.com/kalambet/tempo/internal/storage"
)

// Stage identifies one pipeline stage.
type Stage string

const (
	StageImport  Stage = "import"
	StageEnrich  Stage = "enrich"
	StageAnalyze Stage = "analyze"
)

// ErrCancelled is returned when a cancellation request is observed at
// a stage boundary.
var ErrCancelled = errors.New("pipeline cancelled")

// StageError reports which stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Importer, Enricher, and Analyzer are the stage processors.
type Importer interface {
	Import(ctx context.Context, req importer.Request) (*importer.Result, error)
}

type Enricher interface {
	Enrich(ctx context.Context, req enricher.Request) (*enricher.Result, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*calendar.Analysis, error)
}

// Params carry one pipeline run.
type Params struct {
	SessionID       string
	ICS             string
	Events          []importer.RawEvent
	Timezone        string
	ExpandRecurring bool
	HorizonDays     int
	DaysLimit       int
	AnalysisWeeks   int
	MinSampleSize   int
	UseCache        bool
	UseLLM          bool
}

// Key is the cache chain of one run, the handle later reads use to
// fetch the analysis without recomputation.
type Key struct {
	ImportHash  string `json:"import_hash"`
	EnrichHash  string `json:"enrich_hash"`
	AnalyzeHash string `json:"analyze_hash"`
}

// Counts are the per-stage event counts.
type Counts struct {
	Imported int `json:"imported"`
	Enriched int `json:"enriched"`
	Analyzed int `json:"analyzed"`
}

// RunResult is a successful run.
type RunResult struct {
	Key       Key                `json:"cache_key"`
	Counts    Counts             `json:"counts"`
	Analysis  *calendar.Analysis `json:"analysis"`
	CacheHits map[Stage]bool     `json:"cache_hits"`
}

// Hooks observe a run. Either callback may be nil. CancelCheck is
// consulted at stage boundaries; returning true aborts the run with
// ErrCancelled before the next stage starts.
type Hooks struct {
	OnStageStart func(stage Stage)
	OnStageDone  func(stage Stage, hash string, result []byte)
	CancelCheck  func() bool
}

// Orchestrator wires the stage processors to the stage cache.
type Orchestrator struct {
	importer Importer
	enricher Enricher
	analyzer Analyzer
	cache    *cache.StageCache
	store    *storage.Store
	timeout  time.Duration
	log      *slog.Logger
}

// New builds an orchestrator. store may be nil when no session
// pointers should be recorded; timeout of zero disables the per-stage
// deadline.
func New(imp Importer, enr Enricher, ana Analyzer, sc *cache.StageCache, store *storage.Store, timeout time.Duration, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		importer: imp,
		enricher: enr,
		analyzer: ana,
		cache:    sc,
		store:    store,
		timeout:  timeout,
		log:      log,
	}
}

// Run executes the three stages in order. Each stage's cache key is
// derived from the previous stage's hash plus the stage's own
// parameters; a hit skips execution entirely. A stage failure aborts
// the run without writing a cache entry for that stage.
func (o *Orchestrator) Run(ctx context.Context, p Params, hooks Hooks) (*RunResult, error) {
	res := &RunResult{CacheHits: make(map[Stage]bool)}

	// Import.
	if cancelled(hooks) {
		return nil, ErrCancelled
	}
	importInput := map[string]any{
		"ics_content":      p.ICS,
		"events":           p.Events,
		"timezone":         p.Timezone,
		"expand_recurring": p.ExpandRecurring,
		"horizon_days":     p.HorizonDays,
		"days_limit":       p.DaysLimit,
	}
	importHash, err := cache.Derive(string(StageImport), importInput)
	if err != nil {
		return nil, &StageError{Stage: StageImport, Err: err}
	}
	var importRes importer.Result
	hit, err := o.runStage(ctx, p, hooks, StageImport, importHash, importInput, &importRes, func(ctx context.Context) (any, error) {
		return o.importer.Import(ctx, importer.Request{
			ICS:             p.ICS,
			Events:          p.Events,
			Timezone:        p.Timezone,
			ExpandRecurring: p.ExpandRecurring,
			HorizonDays:     p.HorizonDays,
			DaysLimit:       p.DaysLimit,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Key.ImportHash = importHash
	res.CacheHits[StageImport] = hit
	res.Counts.Imported = len(importRes.Events)

	// Enrich.
	if cancelled(hooks) {
		return nil, ErrCancelled
	}
	enrichParams := map[string]any{
		"tz":      p.Timezone,
		"use_llm": p.UseLLM,
	}
	enrichHash, err := cache.Chain(string(StageEnrich), importHash, enrichParams)
	if err != nil {
		return nil, &StageError{Stage: StageEnrich, Err: err}
	}
	var enrichRes enricher.Result
	hit, err = o.runStage(ctx, p, hooks, StageEnrich, enrichHash, chainInput(importHash, enrichParams), &enrichRes, func(ctx context.Context) (any, error) {
		return o.enricher.Enrich(ctx, enricher.Request{
			TZ:     p.Timezone,
			Events: importRes.Events,
			UseLLM: p.UseLLM,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Key.EnrichHash = enrichHash
	res.CacheHits[StageEnrich] = hit
	res.Counts.Enriched = len(enrichRes.Events)

	// Analyze.
	if cancelled(hooks) {
		return nil, ErrCancelled
	}
	analyzeParams := map[string]any{
		"tz":              p.Timezone,
		"analysis_weeks":  p.AnalysisWeeks,
		"min_sample_size": p.MinSampleSize,
	}
	analyzeHash, err := cache.Chain(string(StageAnalyze), enrichHash, analyzeParams)
	if err != nil {
		return nil, &StageError{Stage: StageAnalyze, Err: err}
	}
	var analysis calendar.Analysis
	hit, err = o.runStage(ctx, p, hooks, StageAnalyze, analyzeHash, chainInput(enrichHash, analyzeParams), &analysis, func(ctx context.Context) (any, error) {
		return o.analyzer.Analyze(ctx, analyzer.Request{
			TZ:            p.Timezone,
			Events:        enrichRes.Events,
			AnalysisWeeks: p.AnalysisWeeks,
			MinSampleSize: p.MinSampleSize,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Key.AnalyzeHash = analyzeHash
	res.CacheHits[StageAnalyze] = hit
	res.Counts.Analyzed = len(analysis.Events)
	res.Analysis = &analysis

	if o.store != nil && p.SessionID != "" {
		if err := o.store.UpsertSession(p.SessionID, importHash, enrichHash, analyzeHash); err != nil {
			return nil, fmt.Errorf("recording session pointer: %w", err)
		}
	}

	return res, nil
}

// CachedAnalysis fetches an analyze result by its hash without
// recomputation. Returns storage.ErrNotFound when the entry is absent
// or expired.
func (o *Orchestrator) CachedAnalysis(analyzeHash string) (*calendar.Analysis, error) {
	data, ok, err := o.cache.Get(string(StageAnalyze), analyzeHash)
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	var analysis calendar.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return nil, fmt.Errorf("decoding cached analysis: %w", err)
	}
	return &analysis, nil
}

// runStage serves one stage from the cache or computes and caches it.
// out receives the stage result either way. Cache storage errors are
// fatal; they never silently fall through to recomputation.
func (o *Orchestrator) runStage(ctx context.Context, p Params, hooks Hooks, stage Stage, hash string, input map[string]any, out any, compute func(ctx context.Context) (any, error)) (bool, error) {
	if hooks.OnStageStart != nil {
		hooks.OnStageStart(stage)
	}

	if p.UseCache {
		data, ok, err := o.cache.Get(string(stage), hash)
		if err != nil {
			return false, &StageError{Stage: stage, Err: fmt.Errorf("cache read: %w", err)}
		}
		if ok {
			if err := json.Unmarshal(data, out); err != nil {
				return false, &StageError{Stage: stage, Err: fmt.Errorf("decoding cached result: %w", err)}
			}
			o.log.Debug("stage served from cache", "stage", stage, "hash", hash)
			if hooks.OnStageDone != nil {
				hooks.OnStageDone(stage, hash, data)
			}
			return true, nil
		}
	}

	stageCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := compute(stageCtx)
	if err != nil {
		if stageCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", o.timeout, err)
		}
		return false, &StageError{Stage: stage, Err: err}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return false, &StageError{Stage: stage, Err: fmt.Errorf("encoding result: %w", err)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &StageError{Stage: stage, Err: fmt.Errorf("decoding result: %w", err)}
	}

	if p.UseCache {
		inputData, err := json.Marshal(input)
		if err != nil {
			return false, &StageError{Stage: stage, Err: fmt.Errorf("encoding input: %w", err)}
		}
		if err := o.cache.Put(string(stage), hash, inputData, data); err != nil {
			return false, &StageError{Stage: stage, Err: err}
		}
	}

	o.log.Info("stage computed", "stage", stage, "hash", hash, "duration", time.Since(started))
	if hooks.OnStageDone != nil {
		hooks.OnStageDone(stage, hash, data)
	}
	return false, nil
}

func cancelled(hooks Hooks) bool {
	return hooks.CancelCheck != nil && hooks.CancelCheck()
}

// chainInput is the recorded cache input for a chained stage: the
// upstream hash plus the stage's own parameters.
func chainInput(prevHash string, params map[string]any) map[string]any {
	return map[string]any{"prev": prevHash, "params": params}
}
