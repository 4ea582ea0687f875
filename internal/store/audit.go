package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"social-job-orchestrator/internal/models"
)

// EventAppender persists one event.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev models.Event) error
}

// AuditObserver writes bus events to the audit trail. Progress ticks are skipped.
type AuditObserver struct {
	store   EventAppender
	timeout time.Duration
	log     *slog.Logger
	failed  atomic.Int64
}

func NewAuditObserver(store EventAppender, log *slog.Logger) *AuditObserver {
	if log == nil {
		log = slog.Default()
	}
	return &AuditObserver{store: store, timeout: 3 * time.Second, log: log.With("component", "audit")}
}

func (o *AuditObserver) OnEvent(ev models.Event) {
	if ev.Kind == models.EventProgress {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		// Log the first failure and then every hundredth to keep an outage from flooding the log.
		if n := o.failed.Add(1); n == 1 || n%100 == 0 {
			o.log.Warn("write audit event", "error", err, "kind", ev.Kind, "queue", ev.Queue, "failures", n)
		}
	}
}

// Failures counts events that could not be written.
func (o *AuditObserver) Failures() int64 { return o.failed.Load() }
