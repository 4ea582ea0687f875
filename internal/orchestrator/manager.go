package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/events"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/queue"
	"social-job-orchestrator/internal/scheduler"
	"social-job-orchestrator/internal/worker"
)

// ErrQueueClosed is returned by operations attempted after Shutdown.
var ErrQueueClosed = errors.New("orchestrator is shut down")

const (
	setupTimeout       = 5 * time.Second
	setupRetryInterval = time.Second
)

// Option customises a Manager at construction.
type Option func(*Manager)

// WithBroker uses an existing broker client instead of dialing from config.
// The manager still closes it on Shutdown.
func WithBroker(b *broker.Client) Option {
	return func(m *Manager) { m.broker = b }
}

// WithObserver subscribes obs to the event bus for the manager's lifetime.
func WithObserver(obs events.Observer, filters ...events.Filter) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, subscription{obs: obs, filters: filters})
	}
}

type subscription struct {
	obs     events.Observer
	filters []events.Filter
}

// Manager owns the broker connection, the queues of this process, their
// worker pools and the event bus. It is the single entry point for feature
// modules (submit work, register processors) and operators (stats and admin).
type Manager struct {
	cfg       config.Config
	base      *slog.Logger
	log       *slog.Logger
	broker    *broker.Client
	bus       *events.Bus
	registry  *worker.Registry
	repeater  *scheduler.Repeater
	observers []subscription

	mu        sync.Mutex
	queues    map[string]*queue.Queue
	pools     map[string]*worker.Pool
	pending   map[string]struct{} // queues not yet registered or watched in Redis
	retry     chan struct{}
	started   bool
	closed    bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	running   sync.WaitGroup
}

// New validates cfg and wires the components. It does not contact Redis.
func New(cfg config.Config, log *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		base:     log,
		log:      log.With("component", "orchestrator"),
		registry: worker.NewRegistry(),
		repeater: scheduler.NewRepeater(log),
		queues:   make(map[string]*queue.Queue),
		pools:    make(map[string]*worker.Pool),
		pending:  make(map[string]struct{}),
		retry:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broker == nil {
		m.broker = broker.New(cfg, broker.Options{Logger: log})
	}
	m.bus = events.NewBus(m.broker, events.Options{Logger: log})
	for _, s := range m.observers {
		m.bus.Subscribe(s.obs, s.filters...)
	}
	return m, nil
}

// Broker exposes the underlying client, e.g. for the submission rate limiter.
func (m *Manager) Broker() *broker.Client { return m.broker }

// Subscribe attaches an observer to lifecycle events of every queue this manager knows.
func (m *Manager) Subscribe(obs events.Observer, filters ...events.Filter) (unsubscribe func()) {
	return m.bus.Subscribe(obs, filters...)
}

// Queue returns the named queue, creating it on first use. Later calls return
// the same queue; its concurrency and paused state are never reset.
func (m *Manager) Queue(name string) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrQueueClosed
	}
	return m.queueLocked(name)
}

func (m *Manager) queueLocked(name string) (*queue.Queue, error) {
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := m.newQueue(name)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := m.setupQueue(ctx, name); err != nil {
		m.log.Warn("queue setup failed, will retry once the broker is reachable", "queue", name, "error", err)
		m.pending[name] = struct{}{}
		select {
		case m.retry <- struct{}{}:
		default:
		}
	}
	m.log.Info("queue created", "queue", name, "concurrency", q.Concurrency())
	return q, nil
}

func (m *Manager) newQueue(name string) (*queue.Queue, error) {
	return queue.New(name, m.cfg.DefaultJobOptions, m.cfg.ConcurrencyFor(name), m.broker, m.base)
}

// setupQueue records the queue name for other processes and subscribes the
// event bus to it. Both steps may be repeated.
func (m *Manager) setupQueue(ctx context.Context, name string) error {
	if err := m.broker.RegisterQueue(ctx, name); err != nil {
		return err
	}
	return m.bus.Watch(ctx, name)
}

// lookup returns the named queue without creating it in Redis, so admin calls
// with an unknown name leave nothing behind.
func (m *Manager) lookup(name string) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrQueueClosed
	}
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	return m.newQueue(name)
}

// retryPending finishes the setup of queues created while Redis was down.
func (m *Manager) retryPending(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.retry:
		}
		for !m.setupPending(ctx) {
			t := time.NewTimer(setupRetryInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if err := m.broker.WaitAvailable(ctx); err != nil {
				return
			}
		}
	}
}

// setupPending reports whether every pending queue is now set up.
func (m *Manager) setupPending(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.pending {
		setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
		err := m.setupQueue(setupCtx, name)
		cancel()
		if err != nil {
			m.log.Debug("queue setup still failing", "queue", name, "error", err)
			continue
		}
		delete(m.pending, name)
		m.log.Info("queue setup completed", "queue", name)
	}
	return len(m.pending) == 0
}

// RegisterProcessor binds p to the named queue. A queue takes one processor;
// a second registration fails with worker.ErrAlreadyRegistered. Registering
// after Start launches the queue's workers right away.
func (m *Manager) RegisterProcessor(name string, p worker.Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	if _, err := m.queueLocked(name); err != nil {
		return err
	}
	if err := m.registry.Register(name, p); err != nil {
		return err
	}
	m.log.Info("processor registered", "queue", name)
	if m.started {
		m.startPoolLocked(name, p)
	}
	return nil
}

// AddJob submits a job to the named queue.
func (m *Manager) AddJob(ctx context.Context, name string, job queue.NewJob, opts ...queue.Option) (queue.Handle, error) {
	q, err := m.Queue(name)
	if err != nil {
		return queue.Handle{}, err
	}
	return q.Add(ctx, job, opts...)
}

// Repeat submits job to the named queue on a cron schedule. Every process may
// register the same schedule; each occurrence is enqueued once.
func (m *Manager) Repeat(name, spec, queueName string, job queue.NewJob, opts ...queue.Option) error {
	if _, err := m.Queue(queueName); err != nil {
		return err
	}
	return m.repeater.Every(name, spec, func(ctx context.Context, jobID string, _ time.Time) error {
		callOpts := append(append([]queue.Option(nil), opts...), queue.WithJobID(jobID))
		_, err := m.AddJob(ctx, queueName, job, callOpts...)
		if errors.Is(err, broker.ErrDuplicateJob) {
			return scheduler.ErrDuplicateOccurrence
		}
		return err
	})
}

// Start launches the broker health monitor, the repeat scheduler and a worker
// pool plus delayed-job promoter for every queue with a processor.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	if m.started {
		return errors.New("orchestrator already started")
	}
	m.started = true
	m.runCtx, m.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	m.running.Add(2)
	go func() {
		defer m.running.Done()
		m.broker.Monitor(m.runCtx)
	}()
	go func() {
		defer m.running.Done()
		m.retryPending(m.runCtx)
	}()
	m.repeater.Start(m.runCtx)

	names := m.registry.Queues()
	sort.Strings(names)
	for _, name := range names {
		p, _ := m.registry.Lookup(name)
		m.startPoolLocked(name, p)
	}
	m.log.Info("orchestrator started", "queues", names)
	return nil
}

func (m *Manager) startPoolLocked(name string, p worker.Processor) {
	opts := worker.Options{
		Concurrency:     m.cfg.ConcurrencyFor(name),
		LeaseTimeout:    m.cfg.LeaseTimeout,
		PollInterval:    m.cfg.WorkerPollInterval,
		StalledInterval: m.cfg.StalledInterval,
		ShutdownGrace:   m.cfg.ShutdownGrace,
		Logger:          m.base,
	}
	if rl, ok := m.cfg.RateLimitFor(name); ok {
		opts.Limiter = &rl
	}
	pool := worker.NewPool(m.broker, name, p, opts)
	promoter := scheduler.NewPromoter(m.broker, name, m.cfg.WorkerPollInterval, m.cfg.PromoteBatchSize, m.base)
	m.pools[name] = pool

	m.running.Add(2)
	go func() {
		defer m.running.Done()
		if err := pool.Run(m.runCtx); err != nil {
			m.log.Error("worker pool exited", "queue", name, "error", err)
		}
	}()
	go func() {
		defer m.running.Done()
		_ = promoter.Run(m.runCtx)
	}()
}

// Queues lists every queue known to this process or registered in the broker by another.
func (m *Manager) Queues(ctx context.Context) ([]string, error) {
	remote, err := m.broker.Queues(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(remote))
	for _, n := range remote {
		set[n] = struct{}{}
	}
	m.mu.Lock()
	for n := range m.queues {
		set[n] = struct{}{}
	}
	m.mu.Unlock()
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) GetQueueStats(ctx context.Context, name string) (models.Stats, error) {
	q, err := m.lookup(name)
	if err != nil {
		return models.Stats{}, err
	}
	return q.Stats(ctx)
}

// GetAllQueueStats returns counts for every known queue.
func (m *Manager) GetAllQueueStats(ctx context.Context) (map[string]models.Stats, error) {
	names, err := m.Queues(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Stats, len(names))
	for _, name := range names {
		s, err := m.broker.Counts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func (m *Manager) PauseQueue(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

func (m *Manager) ResumeQueue(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// CleanQueue removes every completed or failed job that finished more than olderThan ago.
func (m *Manager) CleanQueue(ctx context.Context, name string, olderThan time.Duration, state models.JobState) (int, error) {
	q, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	return q.Clean(ctx, olderThan, state, 0)
}

// RetryJob moves a failed job back to waiting. Its attempt counter is not reset.
func (m *Manager) RetryJob(ctx context.Context, name, id string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	return q.Retry(ctx, id)
}

func (m *Manager) RetryFailedJobs(ctx context.Context, name string, limit int) (int, error) {
	q, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	return q.RetryFailed(ctx, limit)
}

func (m *Manager) GetJob(ctx context.Context, name, id string) (*models.Job, error) {
	q, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return q.Job(ctx, id)
}

// RemoveJob deletes a job unless a worker is running it, in which case it returns false.
func (m *Manager) RemoveJob(ctx context.Context, name, id string) (bool, error) {
	q, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	return q.Remove(ctx, id)
}

// Shutdown stops the repeat scheduler, drains the worker pools, detaches event
// subscribers and finally closes the broker connection. Pools get their own
// ShutdownGrace; ctx bounds the whole sequence.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*worker.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	cancelRun := m.cancelRun
	m.mu.Unlock()

	var errs []error

	m.repeater.Stop(ctx)

	m.log.Info("stopping workers", "pools", len(pools))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			if err := p.Shutdown(gctx); err != nil {
				return fmt.Errorf("stop %s workers: %w", p.Queue(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if cancelRun != nil {
		cancelRun()
	}
	if err := waitGroup(ctx, &m.running); err != nil {
		errs = append(errs, fmt.Errorf("wait for background loops: %w", err))
	}
	m.log.Info("workers stopped")

	if err := m.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event subscriptions: %w", err))
	}
	m.log.Info("event subscriptions closed")

	if err := m.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	m.log.Info("broker connection closed")
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
