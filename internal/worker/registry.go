package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
)

// ErrAlreadyRegistered is returned when a queue or job type already has a processor.
var ErrAlreadyRegistered = errors.New("processor already registered")

// Processor executes jobs of one queue.
type Processor interface {
	Process(ctx context.Context, job *Job) models.JobResult
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *Job) models.JobResult

func (f ProcessorFunc) Process(ctx context.Context, job *Job) models.JobResult { return f(ctx, job) }

// ProgressReporter persists progress for a claimed job and renews its lease.
type ProgressReporter interface {
	Progress(ctx context.Context, queue string, job *broker.ClaimedJob, pct int, lease time.Duration) (time.Time, error)
	ExtendLease(ctx context.Context, queue string, job *broker.ClaimedJob, lease time.Duration) (time.Time, error)
}

const defaultLease = 30 * time.Second

// Job is the view of a claimed job handed to processors.
type Job struct {
	models.Job

	claimed  *broker.ClaimedJob
	reporter ProgressReporter
	lease    time.Duration
	onReport func(pct int)
	onRenew  func(deadline time.Time)
	lost     atomic.Bool
}

// NewJob wraps a claimed job. reporter may be nil, in which case progress is
// not persisted and the lease is never renewed.
func NewJob(claimed *broker.ClaimedJob, reporter ProgressReporter) *Job {
	return &Job{Job: claimed.Job, claimed: claimed, reporter: reporter, lease: defaultLease}
}

// UpdateProgress records pct (clamped to 0..100) and renews the lease. It
// returns broker.ErrLeaseLost once another worker owns the job; processors
// should stop then.
func (j *Job) UpdateProgress(ctx context.Context, pct int) error {
	pct = min(max(pct, 0), 100)
	j.Progress = pct
	if j.reporter != nil {
		deadline, err := j.reporter.Progress(ctx, j.Queue, j.claimed, pct, j.lease)
		if err != nil {
			j.noteLost(err)
			return err
		}
		j.renewed(deadline)
	}
	if j.onReport != nil {
		j.onReport(pct)
	}
	return nil
}

// ExtendLease keeps the job claimed for another lease period. Processors call
// it before work that may outlast the lease without reporting progress.
func (j *Job) ExtendLease(ctx context.Context) error {
	if j.reporter == nil {
		return nil
	}
	deadline, err := j.reporter.ExtendLease(ctx, j.Queue, j.claimed, j.lease)
	if err != nil {
		j.noteLost(err)
		return err
	}
	j.renewed(deadline)
	return nil
}

func (j *Job) noteLost(err error) {
	if errors.Is(err, broker.ErrLeaseLost) {
		j.lost.Store(true)
	}
}

func (j *Job) renewed(deadline time.Time) {
	if j.onRenew != nil {
		j.onRenew(deadline)
	}
}

// LeaseLost reports whether a progress update or extension found the lease reclaimed.
func (j *Job) LeaseLost() bool { return j.lost.Load() }

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Unrecoverable(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the job fails without further retries.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// Fail builds a failed result from err and keeps its unrecoverable mark.
func Fail(err error) models.JobResult {
	res := models.Failed(err)
	res.Unrecoverable = IsUnrecoverable(err)
	return res
}

// Registry maps queue names to their processor. A queue has at most one.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register binds p to queue.
func (r *Registry) Register(queue string, p Processor) error {
	if queue == "" || p == nil {
		return errors.New("register processor: queue and processor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[queue]; ok {
		return fmt.Errorf("queue %s: %w", queue, ErrAlreadyRegistered)
	}
	r.processors[queue] = p
	return nil
}

func (r *Registry) Lookup(queue string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[queue]
	return p, ok
}

// Queues lists queues with a registered processor.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for q := range r.processors {
		out = append(out, q)
	}
	return out
}

// TypeMux dispatches jobs of one queue to handlers by job type.
type TypeMux struct {
	mu       sync.RWMutex
	handlers map[string]Processor
}

func NewTypeMux() *TypeMux {
	return &TypeMux{handlers: make(map[string]Processor)}
}

// HandleFunc registers a handler that works on the raw job.
func (m *TypeMux) HandleFunc(jobType string, fn ProcessorFunc) error {
	if jobType == "" || fn == nil {
		return errors.New("register handler: job type and handler are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[jobType]; ok {
		return fmt.Errorf("job type %s: %w", jobType, ErrAlreadyRegistered)
	}
	m.handlers[jobType] = fn
	return nil
}

// Handle registers fn for jobType with the payload decoded into P. A payload
// that does not decode fails the job without retries.
func Handle[P any](m *TypeMux, jobType string, fn func(ctx context.Context, job *Job, payload P) models.JobResult) error {
	if fn == nil {
		return errors.New("register handler: handler is required")
	}
	return m.HandleFunc(jobType, func(ctx context.Context, job *Job) models.JobResult {
		var payload P
		if err := job.DecodePayload(&payload); err != nil {
			return Fail(err)
		}
		return fn(ctx, job, payload)
	})
}

func (m *TypeMux) Process(ctx context.Context, job *Job) models.JobResult {
	m.mu.RLock()
	h, ok := m.handlers[job.Type]
	m.mu.RUnlock()
	if !ok {
		return Fail(Unrecoverable(fmt.Errorf("no handler registered for type %q", job.Type)))
	}
	return h.Process(ctx, job)
}
