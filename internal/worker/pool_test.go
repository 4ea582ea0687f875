package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
)

func newTestBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	b := broker.NewWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), broker.Options{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func addJob(t *testing.T, b *broker.Client, queue string, mutate func(*models.JobOptions)) string {
	t.Helper()
	opts := models.DefaultJobOptions()
	opts.Backoff = models.Backoff{Type: models.BackoffFixed}
	if mutate != nil {
		mutate(&opts)
	}
	id, err := b.Add(context.Background(), queue, broker.NewJob{
		Type:    "post.publish",
		Payload: json.RawMessage(`{"post_id":"p1"}`),
		Options: opts,
	})
	require.NoError(t, err)
	return id
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		<-done
	})
}

func fastOptions(concurrency int) Options {
	return Options{
		Concurrency:     concurrency,
		LeaseTimeout:    5 * time.Second,
		PollInterval:    5 * time.Millisecond,
		StalledInterval: 20 * time.Millisecond,
		ShutdownGrace:   time.Second,
	}
}

func counts(t *testing.T, b *broker.Client, queue string) models.Stats {
	t.Helper()
	s, err := b.Counts(context.Background(), queue)
	require.NoError(t, err)
	return s
}

func TestPoolProcessesJobs(t *testing.T) {
	b := newTestBroker(t)
	for i := 0; i < 3; i++ {
		addJob(t, b, "posts", nil)
	}

	var seen atomic.Int32
	p := NewPool(b, "posts", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		var payload struct {
			PostID string `json:"post_id"`
		}
		if err := job.DecodePayload(&payload); err != nil {
			return Fail(err)
		}
		seen.Add(1)
		return models.Succeeded(map[string]string{"published": payload.PostID})
	}), fastOptions(1))
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "posts").Completed == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), seen.Load())
}

func TestPoolNeverExceedsConcurrency(t *testing.T) {
	b := newTestBroker(t)
	for i := 0; i < 6; i++ {
		addJob(t, b, "media", nil)
	}

	var running, peak atomic.Int32
	p := NewPool(b, "media", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return models.Succeeded(nil)
	}), fastOptions(2))
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "media").Completed == 6 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolRetriesUntilAttemptsExhausted(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "notifications", func(o *models.JobOptions) { o.MaxAttempts = 3 })

	var calls atomic.Int32
	p := NewPool(b, "notifications", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		calls.Add(1)
		return models.Failed(errors.New("smtp unavailable"))
	}), fastOptions(1))
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "notifications").Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	job, err := b.Get(context.Background(), "notifications", id)
	require.NoError(t, err)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Equal(t, "smtp unavailable", job.FailedReason)
}

func TestPoolUnrecoverableFailureIsNotRetried(t *testing.T) {
	b := newTestBroker(t)
	addJob(t, b, "posts", func(o *models.JobOptions) { o.MaxAttempts = 5 })

	mux := NewTypeMux()
	var calls atomic.Int32
	require.NoError(t, Handle(mux, "post.publish", func(ctx context.Context, job *Job, payload struct {
		PostID int `json:"post_id"`
	}) models.JobResult {
		calls.Add(1)
		return models.Succeeded(nil)
	}))

	p := NewPool(b, "posts", mux, fastOptions(1))
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "posts").Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, calls.Load(), "payload with a string post_id never reaches the handler")
}

func TestPoolRecoversFromPanics(t *testing.T) {
	b := newTestBroker(t)
	addJob(t, b, "posts", func(o *models.JobOptions) { o.MaxAttempts = 1 })
	addJob(t, b, "posts", func(o *models.JobOptions) { o.MaxAttempts = 1 })

	var calls atomic.Int32
	p := NewPool(b, "posts", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return models.Succeeded(nil)
	}), fastOptions(1))
	startPool(t, p)

	require.Eventually(t, func() bool {
		s := counts(t, b, "posts")
		return s.Failed == 1 && s.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolReportsProgress(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "media", nil)

	ps := b.Subscribe(context.Background(), "media")
	defer ps.Close()
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	p := NewPool(b, "media", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		if err := job.UpdateProgress(ctx, 150); err != nil {
			return models.Failed(err)
		}
		return models.Succeeded(nil)
	}), fastOptions(1))
	startPool(t, p)

	var kinds []models.EventKind
	var progress int
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case msg := <-ps.Channel():
			ev, err := broker.DecodeEvent(msg)
			require.NoError(t, err)
			kinds = append(kinds, ev.Kind)
			if ev.Kind == models.EventProgress {
				progress = ev.Progress
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []models.EventKind{models.EventStarted, models.EventProgress, models.EventCompleted}, kinds)
	assert.Equal(t, 100, progress)

	require.Eventually(t, func() bool { return counts(t, b, "media").Completed == 1 }, time.Second, 10*time.Millisecond)
	job, err := b.Get(context.Background(), "media", id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestPoolReclaimsStalledLeases(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "posts", nil)

	// A worker that claimed the job and died.
	crashed, err := b.Claim(context.Background(), "posts", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, crashed.ID)

	p := NewPool(b, "posts", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		return models.Succeeded(nil)
	}), fastOptions(1))
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "posts").Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	job, err := b.Get(context.Background(), "posts", id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade, "the stall counts as an attempt")

	err = b.Complete(context.Background(), "posts", crashed, nil, time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrLeaseLost)
}

func TestProgressKeepsLongJobLeased(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "media", nil)

	opts := fastOptions(1)
	opts.LeaseTimeout = 200 * time.Millisecond
	var calls atomic.Int32
	p := NewPool(b, "media", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		calls.Add(1)
		for i := 1; i <= 12; i++ {
			select {
			case <-ctx.Done():
				return models.Failed(context.Cause(ctx))
			case <-time.After(50 * time.Millisecond):
			}
			if err := job.UpdateProgress(ctx, i*8); err != nil {
				return models.Failed(err)
			}
		}
		return models.Succeeded(nil)
	}), opts)
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "media").Completed == 1 }, 3*time.Second, 10*time.Millisecond)
	job, err := b.Get(context.Background(), "media", id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.EqualValues(t, 1, calls.Load(), "the stall checker must not reclaim a job that reports progress")
}

func TestExtendLeaseOutlivesClaimDeadline(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "media", nil)

	opts := fastOptions(1)
	opts.LeaseTimeout = 150 * time.Millisecond
	var calls atomic.Int32
	p := NewPool(b, "media", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		calls.Add(1)
		for i := 0; i < 4; i++ {
			if err := job.ExtendLease(ctx); err != nil {
				return models.Failed(err)
			}
			select {
			case <-ctx.Done():
				return models.Failed(context.Cause(ctx))
			case <-time.After(100 * time.Millisecond):
			}
		}
		return models.Succeeded(nil)
	}), opts)
	startPool(t, p)

	require.Eventually(t, func() bool { return counts(t, b, "media").Completed == 1 }, 3*time.Second, 10*time.Millisecond)
	job, err := b.Get(context.Background(), "media", id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.EqualValues(t, 1, calls.Load())
}

func TestShutdownHandsBackRunningJobs(t *testing.T) {
	b := newTestBroker(t)
	id := addJob(t, b, "media", nil)

	started := make(chan struct{})
	var once sync.Once
	opts := fastOptions(1)
	opts.ShutdownGrace = 50 * time.Millisecond
	opts.StalledInterval = time.Hour
	p := NewPool(b, "media", ProcessorFunc(func(ctx context.Context, job *Job) models.JobResult {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return models.Failed(ctx.Err())
	}), opts)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, <-done)

	job, err := b.Get(context.Background(), "media", id)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, job.State)
	assert.Equal(t, 0, job.AttemptsMade, "shutdown does not charge the attempt")
	assert.Zero(t, p.InFlight())
}

func TestShutdownWithoutRun(t *testing.T) {
	b := newTestBroker(t)
	p := NewPool(b, "posts", ProcessorFunc(func(context.Context, *Job) models.JobResult { return models.Succeeded(nil) }), fastOptions(1))
	assert.NoError(t, p.Shutdown(context.Background()))
}
