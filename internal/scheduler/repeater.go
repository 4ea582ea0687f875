package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// EnqueueFunc submits one occurrence of a repeatable job. jobID is derived from
// the occurrence time so every process computes the same id for the same tick.
type EnqueueFunc func(ctx context.Context, jobID string, occurrence time.Time) error

// ErrDuplicateOccurrence may be returned by an EnqueueFunc when another process
// already submitted the occurrence; the repeater treats it as success.
var ErrDuplicateOccurrence = errors.New("occurrence already enqueued")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Repeater enqueues jobs on cron schedules, e.g. hourly analytics collection.
type Repeater struct {
	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

func NewRepeater(log *slog.Logger) *Repeater {
	if log == nil {
		log = slog.Default()
	}
	return &Repeater{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		log:     log.With("component", "repeater"),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateSpec reports whether spec is a schedule the repeater accepts.
func ValidateSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Every registers name to fire on spec. Names are unique per repeater.
func (r *Repeater) Every(name, spec string, enqueue EnqueueFunc) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("repeatable job %q already registered", name)
	}
	id, err := r.cron.AddFunc(spec, func() { r.fire(name, enqueue) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	r.entries[name] = id
	return nil
}

// Remove stops future occurrences of name.
func (r *Repeater) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[name]
	if ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
	return ok
}

// Next returns the next time name fires.
func (r *Repeater) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

// Start begins firing schedules; enqueue calls use ctx.
func (r *Repeater) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

// Stop halts the scheduler and waits for in-flight enqueues or ctx.
func (r *Repeater) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// OccurrenceID names the job submitted for one tick of a repeatable job.
func OccurrenceID(name string, occurrence time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", name, occurrence.Unix())
}

func (r *Repeater) fire(name string, enqueue EnqueueFunc) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	occurrence := time.Now().UTC().Truncate(time.Second)
	err := enqueue(ctx, OccurrenceID(name, occurrence), occurrence)
	switch {
	case err == nil:
		r.log.Debug("repeatable job enqueued", "name", name, "occurrence", occurrence)
	case errors.Is(err, ErrDuplicateOccurrence):
		r.log.Debug("repeatable job already enqueued elsewhere", "name", name, "occurrence", occurrence)
	default:
		r.log.Error("enqueue repeatable job", "name", name, "error", err)
	}
}
