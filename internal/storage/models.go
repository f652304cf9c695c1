package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
// (or, for cache entries, has expired).
var ErrNotFound = errors.New("not found")

// Task status values. pending is the only initial state; completed,
// failed, and cancelled are terminal.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// CacheEntry is one pipeline stage's cached output, addressed by
// (stage, input_hash).
type CacheEntry struct {
	Stage      string
	InputHash  string
	InputData  string // JSON
	ResultData string // JSON
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Session points at the latest cache chain produced for a session.
type Session struct {
	SessionID    string
	ImportHash   string
	EnrichHash   string
	AnalyzeHash  string
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Task is one asynchronous pipeline run.
type Task struct {
	TaskID       string
	SessionID    string
	Status       string
	Progress     int
	CurrentStage string
	InputData    string // JSON pipeline parameters + raw calendar

	ImportHash    string
	ImportResult  string
	EnrichHash    string
	EnrichResult  string
	AnalyzeHash   string
	AnalyzeResult string

	ErrorMessage    string
	UseCache        bool
	UseLLM          bool
	CancelRequested bool

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CacheStats summarizes the cache table for the maintenance endpoint.
type CacheStats struct {
	TotalEntries int            `json:"total_entries"`
	ByStage      map[string]int `json:"by_stage"`
	Expired      int            `json:"expired"`
}
