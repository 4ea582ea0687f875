package processors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/worker"
)

const JobTypeCollect = "analytics.collect"

// CollectRequest is the payload of an analytics.collect job. An empty
// WorkspaceID collects for every connected account.
type CollectRequest struct {
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Since       time.Time `json:"since"`
}

// Collector pulls engagement numbers from the platforms and stores them.
type Collector interface {
	Collect(ctx context.Context, req CollectRequest, progress func(pct int)) (accounts int, err error)
}

type AnalyticsProcessor struct {
	collector Collector
	window    time.Duration
}

// NewAnalyticsProcessor collects over window when a job does not say since when.
func NewAnalyticsProcessor(c Collector, window time.Duration) *AnalyticsProcessor {
	if window <= 0 {
		window = time.Hour
	}
	return &AnalyticsProcessor{collector: c, window: window}
}

func (p *AnalyticsProcessor) Register(mux *worker.TypeMux) error {
	return worker.Handle(mux, JobTypeCollect, p.Collect)
}

func (p *AnalyticsProcessor) Collect(ctx context.Context, job *worker.Job, req CollectRequest) models.JobResult {
	if req.Since.IsZero() {
		req.Since = job.CreatedAt.Add(-p.window)
	}
	accounts, err := p.collector.Collect(ctx, req, func(pct int) {
		_ = job.UpdateProgress(ctx, pct)
	})
	if err != nil {
		return worker.Fail(classify(fmt.Errorf("collect analytics: %w", err)))
	}
	return models.Succeeded(map[string]any{"accounts": accounts, "since": req.Since})
}

// LogCollector only logs collection runs.
type LogCollector struct {
	Log *slog.Logger
}

func (l LogCollector) Collect(_ context.Context, req CollectRequest, progress func(int)) (int, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("collect analytics", "workspace_id", req.WorkspaceID, "since", req.Since)
	progress(100)
	return 0, nil
}
