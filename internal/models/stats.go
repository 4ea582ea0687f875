package models

import "time"

// Stats is a point-in-time snapshot of job counts per state for one queue.
// Counts are read one after another and are not atomic with each other.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Total is the number of jobs the queue still holds.
func (s Stats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed + s.Paused
}

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
	EventRemoved   EventKind = "removed"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventCleaned   EventKind = "cleaned"
)

// Event is published on the broker for every lifecycle transition of a queue.
type Event struct {
	Queue    string        `json:"queue"`
	Kind     EventKind     `json:"kind"`
	JobID    string        `json:"job_id,omitempty"`
	JobType  string        `json:"job_type,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Progress int           `json:"progress,omitempty"`
	Error    string        `json:"error,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Count    int           `json:"count,omitempty"`
	Owner    *Owner        `json:"owner,omitempty"`
	At       time.Time     `json:"at"`
}
