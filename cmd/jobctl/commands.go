package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/orchestrator"
	"social-job-orchestrator/internal/queue"
)

type QueuesCmd struct{}

func (cmd *QueuesCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		stats, err := m.GetAllQueueStats(ctx)
		if err != nil {
			return err
		}
		return g.print(stats)
	})
}

type StatsCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (cmd *StatsCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		stats, err := m.GetQueueStats(ctx, cmd.Queue)
		if err != nil {
			return err
		}
		return g.print(stats)
	})
}

type PauseCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (cmd *PauseCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		return m.PauseQueue(ctx, cmd.Queue)
	})
}

type ResumeCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (cmd *ResumeCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		return m.ResumeQueue(ctx, cmd.Queue)
	})
}

type CleanCmd struct {
	Queue     string        `arg:"" help:"Queue name."`
	State     string        `name:"state" enum:"completed,failed" default:"completed" help:"Which finished jobs to remove."`
	OlderThan time.Duration `name:"older-than" default:"0s" help:"Only remove jobs finished at least this long ago."`
}

func (cmd *CleanCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		n, err := m.CleanQueue(ctx, cmd.Queue, cmd.OlderThan, models.JobState(cmd.State))
		if err != nil {
			return err
		}
		return g.print(map[string]int{"removed": n})
	})
}

type AddCmd struct {
	Queue    string         `arg:"" help:"Queue name."`
	Type     string         `arg:"" help:"Job type, e.g. post.publish."`
	Payload  string         `arg:"" help:"JSON payload."`
	Delay    time.Duration  `name:"delay" help:"Run no earlier than this from now."`
	Priority *int           `name:"priority" help:"Lower runs first."`
	Attempts int            `name:"attempts" help:"Maximum attempts; queue default when unset."`
	JobID    string         `name:"job-id" help:"Caller-chosen id."`
	Owner    models.Owner   `embed:"" prefix:"owner-"`
	Backoff  *time.Duration `name:"fixed-backoff" help:"Wait this long before every retry."`
}

func (cmd *AddCmd) Run(g *Globals) error {
	if !json.Valid([]byte(cmd.Payload)) {
		return errors.New("payload is not valid JSON")
	}
	job := queue.NewJob{
		Type:     cmd.Type,
		Payload:  json.RawMessage(cmd.Payload),
		Priority: cmd.Priority,
	}
	if cmd.Owner != (models.Owner{}) {
		owner := cmd.Owner
		job.Owner = &owner
	}
	if cmd.Delay > 0 {
		at := time.Now().Add(cmd.Delay)
		job.ScheduledFor = &at
	}
	var opts []queue.Option
	if cmd.Attempts > 0 {
		opts = append(opts, queue.WithAttempts(cmd.Attempts))
	}
	if cmd.JobID != "" {
		opts = append(opts, queue.WithJobID(cmd.JobID))
	}
	if cmd.Backoff != nil {
		opts = append(opts, queue.WithFixedBackoff(*cmd.Backoff))
	}
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		h, err := m.AddJob(ctx, cmd.Queue, job, opts...)
		if err != nil {
			return err
		}
		return g.print(h)
	})
}

type GetCmd struct {
	Queue string `arg:"" help:"Queue name."`
	ID    string `arg:"" help:"Job id."`
}

func (cmd *GetCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		job, err := m.GetJob(ctx, cmd.Queue, cmd.ID)
		if err != nil {
			return err
		}
		return g.print(job)
	})
}

type RemoveCmd struct {
	Queue string `arg:"" help:"Queue name."`
	ID    string `arg:"" help:"Job id."`
}

func (cmd *RemoveCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		removed, err := m.RemoveJob(ctx, cmd.Queue, cmd.ID)
		if err != nil {
			return err
		}
		if !removed {
			return errors.New("job is being processed")
		}
		return nil
	})
}

type RetryCmd struct {
	Queue string `arg:"" help:"Queue name."`
	ID    string `arg:"" help:"Job id."`
}

func (cmd *RetryCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		return m.RetryJob(ctx, cmd.Queue, cmd.ID)
	})
}

type RetryFailedCmd struct {
	Queue string `arg:"" help:"Queue name."`
	Limit int    `name:"limit" default:"100" help:"Retry at most this many jobs."`
}

func (cmd *RetryFailedCmd) Run(g *Globals) error {
	return g.withManager(func(ctx context.Context, m *orchestrator.Manager) error {
		n, err := m.RetryFailedJobs(ctx, cmd.Queue, cmd.Limit)
		if err != nil {
			return err
		}
		return g.print(map[string]int{"retried": n})
	})
}
