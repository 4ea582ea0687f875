package models

import (
	"encoding/json"
	"time"
)

// JobState enumerates lifecycle states tracked by the broker.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StatePaused    JobState = "paused"
)

// Terminal reports whether no worker will pick the job up again without an operator retry.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s JobState) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StatePaused:
		return true
	}
	return false
}

// MaxPriority bounds Job.Priority. Smaller values are dequeued first.
const MaxPriority = 1<<21 - 1

// Owner attributes a job to the user and workspace that submitted it.
// It is carried for logging only and never used for routing.
type Owner struct {
	UserID      string `json:"user_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// Job is one unit of background work as stored by the broker.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Owner        *Owner          `json:"owner,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	State        JobState        `json:"state"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty"`
	Duration     time.Duration   `json:"duration"`
	Options      JobOptions      `json:"options"`
}

// ResultMetrics describes a single processor run.
type ResultMetrics struct {
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// JobResult is what a processor reports for one attempt.
type JobResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	// Unrecoverable fails the job without further retries.
	Unrecoverable bool           `json:"unrecoverable,omitempty"`
	Metrics       *ResultMetrics `json:"metrics,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(result any) JobResult {
	return JobResult{Success: true, Result: result}
}

// Failed builds an unsuccessful result from err.
func Failed(err error) JobResult {
	if err == nil {
		return JobResult{Success: false, Error: "unknown error"}
	}
	return JobResult{Success: false, Error: err.Error()}
}
