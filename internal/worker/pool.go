package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/telemetry"
)

// Broker is the subset of the broker client a pool needs.
type Broker interface {
	ProgressReporter
	WaitAvailable(ctx context.Context) error
	Counts(ctx context.Context, queue string) (models.Stats, error)
	AllowDispatch(ctx context.Context, queue string, rl config.RateLimit) (bool, error)
	Claim(ctx context.Context, queue string, lease time.Duration) (*broker.ClaimedJob, error)
	Complete(ctx context.Context, queue string, job *broker.ClaimedJob, result any, took time.Duration) error
	Fail(ctx context.Context, queue string, job *broker.ClaimedJob, reason string, retryDelay time.Duration, unrecoverable bool, took time.Duration) (broker.FailOutcome, int, error)
	ReclaimStalled(ctx context.Context, queue string, now time.Time, limit int) ([]broker.StalledJob, error)
	Release(ctx context.Context, queue string, job *broker.ClaimedJob) (bool, error)
	Publish(ctx context.Context, ev models.Event) error
}

// Options configure a Pool. Zero values fall back to sensible defaults.
type Options struct {
	Concurrency     int
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	StalledInterval time.Duration
	ShutdownGrace   time.Duration
	// Limiter caps how many jobs the queue dispatches per window across all processes.
	Limiter *config.RateLimit
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

const (
	stalledBatch  = 100
	reportTimeout = 5 * time.Second
)

// Pool runs a fixed number of slots that claim and process jobs of one queue.
// At most Concurrency jobs of the queue are in flight in this process.
type Pool struct {
	broker    Broker
	queue     string
	processor Processor
	opts      Options
	log       *slog.Logger
	tracer    trace.Tracer

	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*broker.ClaimedJob
	started  bool
}

func NewPool(b Broker, queue string, p Processor, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		broker:     b,
		queue:      queue,
		processor:  p,
		opts:       opts,
		log:        opts.Logger.With("component", "worker", "queue", queue),
		tracer:     opts.Tracer,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		jobCtx:     jobCtx,
		cancelJobs: cancel,
		inflight:   make(map[string]*broker.ClaimedJob),
	}
}

func (p *Pool) Queue() string { return p.queue }

// Run claims and processes jobs until ctx is cancelled or Shutdown is called.
// Jobs already running are allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool for %s already started", p.queue)
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	claimCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-claimCtx.Done():
		}
	}()

	p.log.Info("worker pool started", "concurrency", p.opts.Concurrency, "lease", p.opts.LeaseTimeout)
	g, gctx := errgroup.WithContext(claimCtx)
	for i := 0; i < p.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error { return p.runSlot(gctx, slot) })
	}
	g.Go(func() error { return p.checkStalled(gctx) })
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

// Shutdown stops claiming, waits up to ShutdownGrace (or ctx) for running
// jobs, then cancels them and hands their leases back to the queue.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		p.cancelJobs()
		return nil
	}

	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.cancelJobs()
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	leftover := p.snapshotInflight()
	p.log.Warn("shutdown grace elapsed, abandoning running jobs", "running", len(leftover))
	for _, job := range leftover {
		p.abandon(job)
	}
	p.cancelJobs()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runSlot(ctx context.Context, slot int) error {
	log := p.log.With("slot", slot)
	for ctx.Err() == nil {
		if err := p.broker.WaitAvailable(ctx); err != nil {
			return nil
		}
		if !p.dispatchAllowed(ctx, log) {
			sleep(ctx, p.opts.PollInterval)
			continue
		}

		claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		claimed, err := p.broker.Claim(claimCtx, p.queue, p.opts.LeaseTimeout)
		cancel()
		if err != nil {
			if !errors.Is(err, broker.ErrBrokerUnavailable) {
				log.Error("claim job", "error", err)
			}
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		if claimed == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.process(claimed, log)
	}
	return nil
}

// dispatchAllowed consults the queue's rate limiter, but only when work is
// waiting so idle polling does not spend tokens.
func (p *Pool) dispatchAllowed(ctx context.Context, log *slog.Logger) bool {
	if p.opts.Limiter == nil {
		return true
	}
	stats, err := p.broker.Counts(ctx, p.queue)
	if err != nil {
		return false
	}
	if stats.Waiting == 0 {
		return false
	}
	ok, err := p.broker.AllowDispatch(ctx, p.queue, *p.opts.Limiter)
	if err != nil {
		log.Warn("dispatch limiter", "error", err)
		return false
	}
	return ok
}

func (p *Pool) process(claimed *broker.ClaimedJob, log *slog.Logger) {
	p.track(claimed)
	defer p.untrack(claimed.ID)

	attempt := claimed.AttemptsMade + 1
	log = log.With("job_id", claimed.ID, "type", claimed.Type, "attempt", attempt)
	if claimed.Owner != nil {
		log = log.With("workspace_id", claimed.Owner.WorkspaceID, "user_id", claimed.Owner.UserID)
	}
	p.emit(models.Event{Kind: models.EventStarted, JobID: claimed.ID, JobType: claimed.Type, Attempt: attempt, Owner: claimed.Owner})
	log.Info("job started")

	runCtx, lease := newLeaseContext(p.jobCtx, claimed.LeaseDeadline)
	defer lease.stop()
	runCtx, span := p.tracer.Start(runCtx, "job "+claimed.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", claimed.ID),
			attribute.String("job.queue", p.queue),
			attribute.String("job.type", claimed.Type),
			attribute.Int("job.attempt", attempt),
		))
	defer span.End()

	job := NewJob(claimed, p.broker)
	job.lease = p.opts.LeaseTimeout
	job.onRenew = lease.extend
	job.onReport = func(pct int) {
		p.emit(models.Event{Kind: models.EventProgress, JobID: claimed.ID, JobType: claimed.Type, Attempt: attempt, Progress: pct})
	}

	start := time.Now()
	res := p.invoke(runCtx, job, log)
	took := time.Since(start)
	if res.Metrics == nil {
		res.Metrics = &models.ResultMetrics{Duration: took, Timestamp: time.Now()}
	}
	if runCtx.Err() != nil && res.Success {
		// The stall checker may already have requeued it.
		log.Warn("job finished after its lease expired", "took", took)
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), reportTimeout)
	defer cancelReport()

	if res.Success {
		span.SetStatus(codes.Ok, "")
		err := p.broker.Complete(reportCtx, p.queue, claimed, res.Result, took)
		switch {
		case errors.Is(err, broker.ErrLeaseLost):
			log.Warn("job completed but lease was lost; another worker owns it")
		case err != nil:
			log.Error("record job completion", "error", err)
		default:
			log.Info("job completed", "duration", took)
			p.emit(models.Event{Kind: models.EventCompleted, JobID: claimed.ID, JobType: claimed.Type, Attempt: attempt, Duration: took, Owner: claimed.Owner})
		}
		return
	}

	reason := res.Error
	if reason == "" {
		reason = "processor reported failure"
	}
	span.SetStatus(codes.Error, reason)
	span.RecordError(errors.New(reason))

	delay := backoffDelay(claimed.Options.Backoff, attempt)
	outcome, attempts, err := p.broker.Fail(reportCtx, p.queue, claimed, reason, delay, res.Unrecoverable, took)
	switch {
	case errors.Is(err, broker.ErrLeaseLost):
		log.Warn("job failed but lease was lost; another worker owns it", "error", reason)
	case err != nil:
		log.Error("record job failure", "error", err, "job_error", reason)
	case outcome == broker.FailRetrying:
		log.Warn("job failed, will retry", "error", reason, "retry_in", delay, "attempts_made", attempts)
		p.emit(models.Event{Kind: models.EventRetrying, JobID: claimed.ID, JobType: claimed.Type, Attempt: attempts, Error: reason, Delay: delay, Duration: took, Owner: claimed.Owner})
	default:
		log.Error("job failed permanently", "error", reason, "attempts_made", attempts, "unrecoverable", res.Unrecoverable)
		p.emit(models.Event{Kind: models.EventFailed, JobID: claimed.ID, JobType: claimed.Type, Attempt: attempts, Error: reason, Duration: took, Owner: claimed.Owner})
	}
}

// invoke runs the processor and turns a panic into a failed attempt.
func (p *Pool) invoke(ctx context.Context, job *Job, log *slog.Logger) (res models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("processor panicked", "panic", r, "stack", string(debug.Stack()))
			res = models.Failed(fmt.Errorf("processor panic: %v", r))
		}
	}()
	if p.processor == nil {
		return Fail(Unrecoverable(fmt.Errorf("no processor registered for queue %q", p.queue)))
	}
	return p.processor.Process(ctx, job)
}

// checkStalled periodically requeues jobs whose lease expired, whichever process claimed them.
func (p *Pool) checkStalled(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		stalled, err := p.broker.ReclaimStalled(ctx, p.queue, time.Now(), stalledBatch)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, broker.ErrBrokerUnavailable) {
				p.log.Error("check stalled jobs", "error", err)
			}
			continue
		}
		for _, s := range stalled {
			p.reportStalled(s)
		}
	}
}

// abandon hands a job back to waiting without charging the attempt.
func (p *Pool) abandon(job *broker.ClaimedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	ok, err := p.broker.Release(ctx, p.queue, job)
	if err != nil {
		p.log.Error("hand back abandoned job", "job_id", job.ID, "error", err)
		return
	}
	if ok {
		p.reportStalled(broker.StalledJob{ID: job.ID, State: models.StateWaiting})
	}
}

func (p *Pool) reportStalled(s broker.StalledJob) {
	p.log.Warn("job stalled", "job_id", s.ID, "now", s.State)
	p.emit(models.Event{Kind: models.EventStalled, JobID: s.ID})
	if s.State == models.StateFailed {
		p.emit(models.Event{Kind: models.EventFailed, JobID: s.ID, Error: "job stalled more than allowable limit"})
	}
}

func (p *Pool) emit(ev models.Event) {
	ev.Queue = p.queue
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := p.broker.Publish(ctx, ev); err != nil {
		p.log.Debug("publish event", "kind", ev.Kind, "error", err)
	}
}

func (p *Pool) track(job *broker.ClaimedJob) {
	p.mu.Lock()
	p.inflight[job.ID] = job
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Pool) snapshotInflight() []*broker.ClaimedJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*broker.ClaimedJob, 0, len(p.inflight))
	for _, j := range p.inflight {
		out = append(out, j)
	}
	return out
}

// InFlight returns how many jobs this pool is running right now.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// errLeaseExpired is the cancellation cause of a job whose lease ran out.
var errLeaseExpired = fmt.Errorf("job lease expired: %w", context.DeadlineExceeded)

// leaseTimer cancels a job's context when its lease deadline passes.
// extend moves the deadline after a successful renewal.
type leaseTimer struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelCauseFunc
	fired  bool
}

func newLeaseContext(parent context.Context, deadline time.Time) (context.Context, *leaseTimer) {
	ctx, cancel := context.WithCancelCause(parent)
	l := &leaseTimer{cancel: cancel}
	l.timer = time.AfterFunc(time.Until(deadline), func() {
		l.mu.Lock()
		l.fired = true
		l.mu.Unlock()
		cancel(errLeaseExpired)
	})
	return ctx, l
}

func (l *leaseTimer) extend(deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || !l.timer.Stop() {
		return
	}
	l.timer.Reset(time.Until(deadline))
}

func (l *leaseTimer) stop() {
	l.timer.Stop()
	l.cancel(nil)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
