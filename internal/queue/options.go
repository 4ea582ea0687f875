package queue

import (
	"time"

	"social-job-orchestrator/internal/models"
)

// Option overrides one field of a queue's default job options for a single submission.
// Options are applied after the defaults, so the call site always wins.
type Option func(*models.JobOptions)

func WithAttempts(n int) Option {
	return func(o *models.JobOptions) { o.MaxAttempts = n }
}

func WithBackoff(b models.Backoff) Option {
	return func(o *models.JobOptions) { o.Backoff = b }
}

// WithFixedBackoff waits the same delay before every retry.
func WithFixedBackoff(d time.Duration) Option {
	return WithBackoff(models.Backoff{Type: models.BackoffFixed, Delay: d})
}

func WithRetention(r models.Retention) Option {
	return func(o *models.JobOptions) { o.Retention = r }
}

func WithPriority(p int) Option {
	return func(o *models.JobOptions) { o.Priority = p }
}

// WithJobID sets a caller-chosen id; a second submission with the same id is rejected.
func WithJobID(id string) Option {
	return func(o *models.JobOptions) { o.JobID = id }
}

// merge composes the effective options of one job:
// queue defaults, then the job's own priority, then per-call options.
func merge(defaults models.JobOptions, priority *int, opts []Option) models.JobOptions {
	out := defaults
	out.JobID = ""
	if priority != nil {
		out.Priority = *priority
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}
