package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"social-job-orchestrator/internal/broker"
)

// DelayedMover is the broker operation the promoter drives.
type DelayedMover interface {
	PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int) (int, error)
}

// Promoter makes delayed jobs of one queue visible once they are due.
type Promoter struct {
	broker   DelayedMover
	queue    string
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewPromoter builds a promoter polling every interval and moving at most batch jobs per round.
func NewPromoter(b DelayedMover, queue string, interval time.Duration, batch int, log *slog.Logger) *Promoter {
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Promoter{
		broker:   b,
		queue:    queue,
		interval: interval,
		batch:    batch,
		log:      log.With("component", "promoter", "queue", queue),
	}
}

// Run promotes due jobs until ctx is cancelled. A full batch is followed
// immediately by another round so a backlog drains without waiting.
func (p *Promoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		n, err := p.broker.PromoteDelayed(ctx, p.queue, time.Now(), p.batch)
		if err != nil && ctx.Err() == nil && !errors.Is(err, broker.ErrBrokerUnavailable) {
			p.log.Warn("promote delayed jobs", "error", err)
		}
		if n > 0 {
			p.log.Debug("promoted delayed jobs", "count", n)
		}
		if n >= p.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
