package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/scheduler"
)

// Broker is the subset of the broker client a queue needs.
type Broker interface {
	Add(ctx context.Context, queue string, job broker.NewJob) (string, error)
	Get(ctx context.Context, queue, id string) (*models.Job, error)
	Remove(ctx context.Context, queue, id string) (bool, error)
	Retry(ctx context.Context, queue, id string) error
	Counts(ctx context.Context, queue string) (models.Stats, error)
	SetPaused(ctx context.Context, queue string, paused bool) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	Clean(ctx context.Context, queue string, state models.JobState, olderThan time.Duration, limit int) (int, error)
	ListIDs(ctx context.Context, queue string, state models.JobState, start, stop int64) ([]string, error)
	Publish(ctx context.Context, ev models.Event) error
}

// NewJob is a submission as callers describe it.
type NewJob struct {
	Type         string
	Payload      any
	Owner        *models.Owner
	ScheduledFor *time.Time
	Priority     *int
}

// Handle identifies a submitted job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Queue is a named channel of jobs. It is the only entry point for
// submitting work and for inspecting or administering what was submitted.
type Queue struct {
	name        string
	defaults    models.JobOptions
	concurrency int
	broker      Broker
	log         *slog.Logger
	now         func() time.Time
}

// New builds a queue. defaults are copied and never change afterwards.
func New(name string, defaults models.JobOptions, concurrency int, b Broker, log *slog.Logger) (*Queue, error) {
	if name == "" {
		return nil, invalid("queue name", "must not be empty")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("queue %s: default options: %w", name, err)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		name:        name,
		defaults:    defaults,
		concurrency: concurrency,
		broker:      b,
		log:         log.With("component", "queue", "queue", name),
		now:         time.Now,
	}, nil
}

func (q *Queue) Name() string { return q.name }

// Defaults returns the queue's default job options.
func (q *Queue) Defaults() models.JobOptions { return q.defaults }

// Concurrency is the maximum number of jobs of this queue active at once.
func (q *Queue) Concurrency() int { return q.concurrency }

// Add validates and submits a job. A ScheduledFor in the future keeps the
// job delayed until then.
func (q *Queue) Add(ctx context.Context, job NewJob, opts ...Option) (Handle, error) {
	if job.Type == "" {
		return Handle{}, invalid("type", "must not be empty")
	}
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return Handle{}, err
	}
	merged := merge(q.defaults, job.Priority, opts)
	if err := merged.Validate(); err != nil {
		return Handle{}, invalid("options", "%v", err)
	}
	delay := scheduler.DelayUntil(job.ScheduledFor, q.now())

	id, err := q.broker.Add(ctx, q.name, broker.NewJob{
		Type:         job.Type,
		Payload:      payload,
		Owner:        job.Owner,
		ScheduledFor: job.ScheduledFor,
		Options:      merged,
		Delay:        delay,
	})
	if err != nil {
		return Handle{ID: id, Queue: q.name}, err
	}

	q.log.Info("job added", "job_id", id, "type", job.Type, "delay", delay, "priority", merged.Priority)
	q.publish(ctx, models.Event{Kind: models.EventAdded, JobID: id, JobType: job.Type, Delay: delay, Owner: job.Owner})
	return Handle{ID: id, Queue: q.name}, nil
}

// Job fetches a job by id.
func (q *Queue) Job(ctx context.Context, id string) (*models.Job, error) {
	return q.broker.Get(ctx, q.name, id)
}

// Remove deletes a job that has not started. If a worker already claimed it the
// call is a no-op and returns false; running jobs are never interrupted.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := q.broker.Remove(ctx, q.name, id)
	if err != nil {
		return false, err
	}
	if !removed {
		q.log.Info("job is active, not removed", "job_id", id)
		return false, nil
	}
	q.publish(ctx, models.Event{Kind: models.EventRemoved, JobID: id})
	return true, nil
}

// Stats returns current job counts as reported by the broker.
func (q *Queue) Stats(ctx context.Context) (models.Stats, error) {
	return q.broker.Counts(ctx, q.name)
}

// Pause stops workers from claiming new jobs; running jobs finish normally.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.broker.SetPaused(ctx, q.name, true); err != nil {
		return err
	}
	q.log.Info("queue paused")
	q.publish(ctx, models.Event{Kind: models.EventPaused})
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.broker.SetPaused(ctx, q.name, false); err != nil {
		return err
	}
	q.log.Info("queue resumed")
	q.publish(ctx, models.Event{Kind: models.EventResumed})
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.broker.IsPaused(ctx, q.name)
}

// Clean purges completed or failed jobs that finished more than olderThan ago.
// A limit of zero removes every match. Other states are rejected.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, state models.JobState, limit int) (int, error) {
	if !state.Terminal() {
		return 0, invalid("state", "can only clean completed or failed jobs, got %q", state)
	}
	if olderThan < 0 {
		return 0, invalid("grace period", "must not be negative")
	}
	n, err := q.broker.Clean(ctx, q.name, state, olderThan, limit)
	if err != nil {
		return 0, err
	}
	q.log.Info("queue cleaned", "state", state, "older_than", olderThan, "removed", n)
	if n > 0 {
		q.publish(ctx, models.Event{Kind: models.EventCleaned, Count: n})
	}
	return n, nil
}

// Retry moves a failed job back to waiting without resetting its attempt counter.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.broker.Retry(ctx, q.name, id); err != nil {
		return err
	}
	q.log.Info("job retried manually", "job_id", id)
	return nil
}

// RetryFailed retries up to limit failed jobs, oldest first. Jobs that cannot
// be retried are logged and skipped; only a failure to list jobs aborts the batch.
func (q *Queue) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, invalid("limit", "must be positive")
	}
	ids, err := q.broker.ListIDs(ctx, q.name, models.StateFailed, 0, int64(limit-1))
	if err != nil {
		return 0, err
	}
	retried, skipped := 0, 0
	for _, id := range ids {
		if err := q.broker.Retry(ctx, q.name, id); err != nil {
			skipped++
			q.log.Warn("retry failed job", "job_id", id, "error", err)
			continue
		}
		retried++
	}
	q.log.Info("failed jobs retried", "retried", retried, "skipped", skipped)
	return retried, nil
}

// List returns job ids in the given state.
func (q *Queue) List(ctx context.Context, state models.JobState, start, stop int64) ([]string, error) {
	if !state.Valid() {
		return nil, invalid("state", "unknown state %q", state)
	}
	return q.broker.ListIDs(ctx, q.name, state, start, stop)
}

func (q *Queue) publish(ctx context.Context, ev models.Event) {
	ev.Queue = q.name
	if err := q.broker.Publish(ctx, ev); err != nil {
		q.log.Warn("publish event", "kind", ev.Kind, "error", err)
	}
}

func encodePayload(p any) (json.RawMessage, error) {
	if p == nil {
		return nil, invalid("payload", "must not be empty")
	}
	var raw []byte
	switch v := p.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, invalid("payload", "not serialisable: %v", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, invalid("payload", "must not be empty")
	}
	if !json.Valid(raw) {
		return nil, invalid("payload", "not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
