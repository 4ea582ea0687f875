package events

import (
	"log/slog"

	"social-job-orchestrator/internal/models"
)

// LogObserver writes one structured line per event.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LogObserver{log: log.With("component", "events")}
}

func (o *LogObserver) OnEvent(ev models.Event) {
	attrs := []any{"queue", ev.Queue, "kind", ev.Kind}
	if ev.JobID != "" {
		attrs = append(attrs, "job_id", ev.JobID)
	}
	if ev.JobType != "" {
		attrs = append(attrs, "type", ev.JobType)
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.Owner != nil {
		attrs = append(attrs, "workspace_id", ev.Owner.WorkspaceID)
	}

	switch ev.Kind {
	case models.EventFailed:
		o.log.Error("job failed", append(attrs, "error", ev.Error)...)
	case models.EventRetrying:
		o.log.Warn("job retrying", append(attrs, "error", ev.Error, "retry_in", ev.Delay)...)
	case models.EventStalled:
		o.log.Warn("job stalled", attrs...)
	case models.EventCompleted:
		o.log.Info("job completed", append(attrs, "duration", ev.Duration)...)
	case models.EventProgress:
		o.log.Debug("job progress", append(attrs, "progress", ev.Progress)...)
	case models.EventCleaned:
		o.log.Info("queue cleaned", append(attrs, "count", ev.Count)...)
	default:
		o.log.Debug("queue event", attrs...)
	}
}
