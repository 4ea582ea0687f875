package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-job-orchestrator/internal/models"
)

// Store keeps an append-only audit trail of job lifecycle events in Postgres.
// The broker stays the source of truth for job state; this is history only.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EventRecord is one stored lifecycle event.
type EventRecord struct {
	ID          int64            `json:"id"`
	Queue       string           `json:"queue"`
	JobID       string           `json:"job_id"`
	JobType     string           `json:"job_type"`
	Kind        models.EventKind `json:"kind"`
	Attempt     int              `json:"attempt"`
	Detail      string           `json:"detail,omitempty"`
	Duration    time.Duration    `json:"duration"`
	UserID      *string          `json:"user_id,omitempty"`
	WorkspaceID *string          `json:"workspace_id,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// AppendEvent adds an audit row for ev.
func (s *Store) AppendEvent(ctx context.Context, ev models.Event) error {
	var userID, workspaceID *string
	if ev.Owner != nil {
		userID = emptyToNil(ev.Owner.UserID)
		workspaceID = emptyToNil(ev.Owner.WorkspaceID)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (queue, job_id, job_type, kind, attempt, detail, duration_ms, user_id, workspace_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.Queue, ev.JobID, ev.JobType, string(ev.Kind), ev.Attempt, eventDetail(ev), ev.Duration.Milliseconds(), userID, workspaceID, at.UTC())
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListEvents returns the history of one job, oldest first.
func (s *Store) ListEvents(ctx context.Context, queue, jobID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, job_id, job_type, kind, attempt, detail, duration_ms, user_id, workspace_id, occurred_at
		FROM job_events
		WHERE queue = $1 AND job_id = $2
		ORDER BY occurred_at, id
		LIMIT $3
	`, queue, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventRecord, error) {
		var (
			rec        EventRecord
			kind       string
			durationMS int64
			user, ws   pgtype.Text
		)
		if err := row.Scan(&rec.ID, &rec.Queue, &rec.JobID, &rec.JobType, &kind, &rec.Attempt, &rec.Detail, &durationMS, &user, &ws, &rec.OccurredAt); err != nil {
			return rec, err
		}
		rec.Kind = models.EventKind(kind)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.UserID = textPtr(user)
		rec.WorkspaceID = textPtr(ws)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan job events: %w", err)
	}
	return out, nil
}

// PruneEvents deletes audit rows older than cutoff and reports how many went.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_events WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune job events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func eventDetail(ev models.Event) string {
	switch ev.Kind {
	case models.EventFailed:
		return ev.Error
	case models.EventRetrying:
		return fmt.Sprintf("%s (retry in %s)", ev.Error, ev.Delay)
	case models.EventCleaned:
		return fmt.Sprintf("removed=%d", ev.Count)
	case models.EventAdded:
		if ev.Delay > 0 {
			return fmt.Sprintf("delay=%s", ev.Delay)
		}
	}
	return ""
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
