package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"

	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/orchestrator"
)

// Globals are shared by every command. Redis settings come from the same
// environment variables the api and worker read.
type Globals struct {
	Debug   bool          `name:"debug" help:"Log to stderr."`
	Timeout time.Duration `name:"timeout" help:"Per-command timeout." default:"10s"`

	ctx context.Context
	out io.Writer
}

type CLI struct {
	Globals

	Queues      QueuesCmd      `cmd:"" help:"Show counts for every queue."`
	Stats       StatsCmd       `cmd:"" help:"Show counts for one queue."`
	Pause       PauseCmd       `cmd:"" help:"Stop workers from taking new jobs of a queue."`
	Resume      ResumeCmd      `cmd:"" help:"Let workers take jobs of a paused queue again."`
	Clean       CleanCmd       `cmd:"" help:"Remove finished jobs."`
	Add         AddCmd         `cmd:"" help:"Submit a job."`
	Get         GetCmd         `cmd:"" help:"Show one job."`
	Remove      RemoveCmd      `cmd:"" help:"Delete a job that is not running."`
	Retry       RetryCmd       `cmd:"" help:"Move a failed job back to waiting."`
	RetryFailed RetryFailedCmd `cmd:"" name:"retry-failed" help:"Retry the oldest failed jobs of a queue."`
}

func main() {
	cli := new(CLI)
	kctx := kong.Parse(cli,
		kong.Name("jobctl"),
		kong.Description("Inspect and administer job queues."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cli.Globals.ctx = ctx
	cli.Globals.out = os.Stdout

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withManager runs fn against a manager that never starts workers.
func (g *Globals) withManager(fn func(ctx context.Context, m *orchestrator.Manager) error) error {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if g.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	m, err := orchestrator.New(config.Load(), log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.Timeout)
	defer cancel()
	runErr := fn(ctx, m)
	if err := m.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Globals) print(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
