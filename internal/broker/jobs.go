package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"social-job-orchestrator/internal/models"
)

// NewJob is a validated submission ready to be persisted.
type NewJob struct {
	Type         string
	Payload      json.RawMessage
	Owner        *models.Owner
	ScheduledFor *time.Time
	Options      models.JobOptions
	// Delay keeps the job invisible to workers until it elapses.
	Delay time.Duration
}

// ClaimedJob is a job moved to active together with the lease token that
// proves ownership when reporting the outcome.
type ClaimedJob struct {
	models.Job
	Token         string
	LeaseDeadline time.Time
}

// FailOutcome tells the worker what happened to a failed attempt.
type FailOutcome int

const (
	FailRetrying FailOutcome = 1
	FailFinal    FailOutcome = 2
)

// StalledJob describes a lease reclaimed by the stall checker.
type StalledJob struct {
	ID    string
	State models.JobState
}

// RegisterQueue records a queue name so other processes can list it.
func (c *Client) RegisterQueue(ctx context.Context, queue string) error {
	return c.wrap("register queue", c.rdb.SAdd(ctx, c.queuesKey(), queue).Err())
}

// Queues lists every queue name registered by any process.
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, c.queuesKey()).Result()
	if err != nil {
		return nil, c.wrap("list queues", err)
	}
	return names, nil
}

// Add persists a job. With a positive Delay it lands in the delayed set,
// otherwise it is immediately visible to workers.
func (c *Client) Add(ctx context.Context, queue string, job NewJob) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("add job: %w", ErrBrokerUnavailable)
	}
	id := job.Options.JobID
	if id == "" {
		id = uuid.NewString()
	}
	owner := ""
	if job.Owner != nil {
		raw, err := json.Marshal(job.Owner)
		if err != nil {
			return "", fmt.Errorf("marshal owner: %w", err)
		}
		owner = string(raw)
	}
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	scheduled := ""
	if job.ScheduledFor != nil {
		scheduled = strconv.FormatInt(job.ScheduledFor.UnixMilli(), 10)
	}
	now := time.Now()
	k := c.keysFor(queue)
	res, err := addScript.Run(ctx, c.rdb,
		[]string{k.job(id), k.wait(), k.delayed(), k.seq()},
		id, queue, job.Type, string(job.Payload), owner,
		now.UnixMilli(), scheduled, job.Options.Priority,
		job.Options.MaxAttempts, string(opts),
		job.Options.Retention.KeepCompleted, job.Options.Retention.KeepFailed,
		now.UnixMilli(), job.Delay.Milliseconds(),
	).Int()
	if err != nil {
		return "", c.wrap("add job", err)
	}
	if res == 0 {
		return id, fmt.Errorf("add job %s: %w", id, ErrDuplicateJob)
	}
	return id, nil
}

// Claim atomically moves the best waiting job to active under a lease. It returns
// nil without error when nothing is waiting or the queue is paused.
func (c *Client) Claim(ctx context.Context, queue string, lease time.Duration) (*ClaimedJob, error) {
	k := c.keysFor(queue)
	now := time.Now()
	deadline := now.Add(lease)
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, c.rdb,
		[]string{k.wait(), k.active(), k.meta()},
		now.UnixMilli(), deadline.UnixMilli(), token, k.jobPrefix(),
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, c.wrap("claim job", err)
	}
	job, err := decodeJob(pairsToMap(res))
	if err != nil {
		return nil, err
	}
	return &ClaimedJob{Job: *job, Token: token, LeaseDeadline: deadline}, nil
}

// Complete records a successful attempt. It fails with ErrLeaseLost when the
// lease was reclaimed in the meantime.
func (c *Client) Complete(ctx context.Context, queue string, job *ClaimedJob, result any, took time.Duration) error {
	raw := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		raw = string(b)
	}
	k := c.keysFor(queue)
	res, err := completeScript.Run(ctx, c.rdb,
		[]string{k.active(), k.completed(), k.job(job.ID)},
		job.ID, job.Token, time.Now().UnixMilli(), raw, took.Milliseconds(), k.jobPrefix(),
	).Int()
	if err != nil {
		return c.wrap("complete job", err)
	}
	if res < 0 {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Fail records an unsuccessful attempt. Unless unrecoverable or out of attempts,
// the job is scheduled again after retryDelay.
func (c *Client) Fail(ctx context.Context, queue string, job *ClaimedJob, reason string, retryDelay time.Duration, unrecoverable bool, took time.Duration) (FailOutcome, int, error) {
	k := c.keysFor(queue)
	flag := "0"
	if unrecoverable {
		flag = "1"
	}
	res, err := failScript.Run(ctx, c.rdb,
		[]string{k.active(), k.failed(), k.delayed(), k.wait(), k.job(job.ID), k.seq()},
		job.ID, job.Token, time.Now().UnixMilli(), reason, retryDelay.Milliseconds(), k.jobPrefix(), flag, took.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, c.wrap("fail job", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("fail job %s: unexpected reply %v", job.ID, res)
	}
	if res[0] < 0 {
		return 0, 0, fmt.Errorf("fail job %s: %w", job.ID, ErrLeaseLost)
	}
	return FailOutcome(res[0]), int(res[1]), nil
}

// Progress stores a processor's progress report while it still holds the lease
// and renews the lease for another lease period. It returns the new deadline.
func (c *Client) Progress(ctx context.Context, queue string, job *ClaimedJob, pct int, lease time.Duration) (time.Time, error) {
	k := c.keysFor(queue)
	deadline := time.Now().Add(lease)
	res, err := progressScript.Run(ctx, c.rdb,
		[]string{k.job(job.ID), k.active()},
		job.ID, job.Token, pct, deadline.UnixMilli(),
	).Int()
	if err != nil {
		return time.Time{}, c.wrap("update progress", err)
	}
	if res == 0 {
		return time.Time{}, fmt.Errorf("update progress %s: %w", job.ID, ErrLeaseLost)
	}
	return deadline, nil
}

// ExtendLease pushes the lease deadline of an active job to lease from now.
func (c *Client) ExtendLease(ctx context.Context, queue string, job *ClaimedJob, lease time.Duration) (time.Time, error) {
	k := c.keysFor(queue)
	deadline := time.Now().Add(lease)
	res, err := extendScript.Run(ctx, c.rdb,
		[]string{k.job(job.ID), k.active()},
		job.ID, job.Token, deadline.UnixMilli(),
	).Int()
	if err != nil {
		return time.Time{}, c.wrap("extend lease", err)
	}
	if res == 0 {
		return time.Time{}, fmt.Errorf("extend lease %s: %w", job.ID, ErrLeaseLost)
	}
	return deadline, nil
}

// PromoteDelayed moves due delayed jobs to waiting and returns how many moved.
func (c *Client) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := c.keysFor(queue)
	n, err := promoteScript.Run(ctx, c.rdb,
		[]string{k.delayed(), k.wait(), k.seq()},
		now.UnixMilli(), limit, k.jobPrefix(),
	).Int()
	if err != nil {
		return 0, c.wrap("promote delayed", err)
	}
	return n, nil
}

// ReclaimStalled returns expired leases to waiting, charging one attempt each.
// Jobs that run out of attempts this way end up failed.
func (c *Client) ReclaimStalled(ctx context.Context, queue string, now time.Time, limit int) ([]StalledJob, error) {
	k := c.keysFor(queue)
	res, err := stalledScript.Run(ctx, c.rdb,
		[]string{k.active(), k.wait(), k.seq(), k.failed()},
		now.UnixMilli(), limit, k.jobPrefix(),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, c.wrap("reclaim stalled", err)
	}
	out := make([]StalledJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		out = append(out, StalledJob{ID: res[i], State: models.JobState(res[i+1])})
	}
	return out, nil
}

// Release hands a job this process still holds back to waiting without
// charging an attempt, e.g. when a worker shuts down mid-job. It returns false
// when the lease was already gone.
func (c *Client) Release(ctx context.Context, queue string, job *ClaimedJob) (bool, error) {
	k := c.keysFor(queue)
	n, err := releaseScript.Run(ctx, c.rdb,
		[]string{k.active(), k.wait(), k.seq(), k.job(job.ID)},
		job.ID, job.Token,
	).Int()
	if err != nil {
		return false, c.wrap("release job", err)
	}
	return n == 1, nil
}

// Get loads a job by id.
func (c *Client) Get(ctx context.Context, queue, id string) (*models.Job, error) {
	k := c.keysFor(queue)
	pipe := c.rdb.Pipeline()
	fields := pipe.HGetAll(ctx, k.job(id))
	paused := pipe.HGet(ctx, k.meta(), "paused")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, c.wrap("get job", err)
	}
	if len(fields.Val()) == 0 {
		return nil, fmt.Errorf("job %s in queue %s: %w", id, queue, ErrJobNotFound)
	}
	job, err := decodeJob(fields.Val())
	if err != nil {
		return nil, err
	}
	if job.State == models.StateWaiting && paused.Val() == "1" {
		job.State = models.StatePaused
	}
	return job, nil
}

// Remove deletes a job that is not running. Active jobs are left alone and
// false is returned; the caller has lost the race with a worker.
func (c *Client) Remove(ctx context.Context, queue, id string) (bool, error) {
	k := c.keysFor(queue)
	res, err := removeScript.Run(ctx, c.rdb,
		[]string{k.job(id), k.wait(), k.delayed(), k.completed(), k.failed()}, id,
	).Int()
	if err != nil {
		return false, c.wrap("remove job", err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("job %s in queue %s: %w", id, queue, ErrJobNotFound)
	case 0:
		return false, nil
	}
	return true, nil
}

// Retry moves a failed job back to waiting. Its attempt counter is kept.
func (c *Client) Retry(ctx context.Context, queue, id string) error {
	k := c.keysFor(queue)
	res, err := retryScript.Run(ctx, c.rdb,
		[]string{k.job(id), k.failed(), k.wait(), k.seq()}, id,
	).Int()
	if err != nil {
		return c.wrap("retry job", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("job %s in queue %s: %w", id, queue, ErrJobNotFound)
	case 0:
		return fmt.Errorf("job %s in queue %s: %w", id, queue, ErrNotFailed)
	}
	return nil
}

// Counts reads the size of every state set. The reads are pipelined but not atomic.
func (c *Client) Counts(ctx context.Context, queue string) (models.Stats, error) {
	k := c.keysFor(queue)
	pipe := c.rdb.Pipeline()
	wait := pipe.ZCard(ctx, k.wait())
	delayed := pipe.ZCard(ctx, k.delayed())
	active := pipe.ZCard(ctx, k.active())
	completed := pipe.ZCard(ctx, k.completed())
	failed := pipe.ZCard(ctx, k.failed())
	paused := pipe.HGet(ctx, k.meta(), "paused")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return models.Stats{}, c.wrap("queue counts", err)
	}
	stats := models.Stats{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	if paused.Val() == "1" {
		stats.Paused, stats.Waiting = stats.Waiting, 0
	}
	return stats, nil
}

// SetPaused toggles whether workers may claim jobs from the queue.
func (c *Client) SetPaused(ctx context.Context, queue string, paused bool) error {
	k := c.keysFor(queue)
	var err error
	if paused {
		err = c.rdb.HSet(ctx, k.meta(), "paused", "1").Err()
	} else {
		err = c.rdb.HDel(ctx, k.meta(), "paused").Err()
	}
	return c.wrap("set paused", err)
}

// IsPaused reports the queue's paused flag.
func (c *Client) IsPaused(ctx context.Context, queue string) (bool, error) {
	v, err := c.rdb.HGet(ctx, c.keysFor(queue).meta(), "paused").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, c.wrap("is paused", err)
	}
	return v == "1", nil
}

// Clean purges terminal jobs that finished before now-olderThan. A limit of
// zero removes all matching jobs.
func (c *Client) Clean(ctx context.Context, queue string, state models.JobState, olderThan time.Duration, limit int) (int, error) {
	k := c.keysFor(queue)
	var set string
	switch state {
	case models.StateCompleted:
		set = k.completed()
	case models.StateFailed:
		set = k.failed()
	default:
		return 0, fmt.Errorf("clean: state %q is not terminal", state)
	}
	maxScore := time.Now().Add(-olderThan).UnixMilli()
	n, err := cleanScript.Run(ctx, c.rdb, []string{set}, maxScore, limit, k.jobPrefix()).Int()
	if err != nil {
		return 0, c.wrap("clean", err)
	}
	return n, nil
}

// ListIDs returns job ids of one state ordered as the broker stores them:
// dequeue order for waiting, due time for delayed, finish time for terminal states.
func (c *Client) ListIDs(ctx context.Context, queue string, state models.JobState, start, stop int64) ([]string, error) {
	k := c.keysFor(queue)
	var set string
	switch state {
	case models.StateWaiting, models.StatePaused:
		set = k.wait()
	case models.StateDelayed:
		set = k.delayed()
	case models.StateActive:
		set = k.active()
	case models.StateCompleted:
		set = k.completed()
	case models.StateFailed:
		set = k.failed()
	default:
		return nil, fmt.Errorf("list: unknown state %q", state)
	}
	ids, err := c.rdb.ZRange(ctx, set, start, stop).Result()
	if err != nil {
		return nil, c.wrap("list jobs", err)
	}
	return ids, nil
}

func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

func decodeJob(h map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:           h["id"],
		Queue:        h["queue"],
		Type:         h["type"],
		State:        models.JobState(h["state"]),
		FailedReason: h["failed_reason"],
	}
	if p := h["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := h["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	if o := h["owner"]; o != "" {
		job.Owner = &models.Owner{}
		if err := json.Unmarshal([]byte(o), job.Owner); err != nil {
			return nil, fmt.Errorf("decode owner of job %s: %w", job.ID, err)
		}
	}
	if o := h["opts"]; o != "" {
		if err := json.Unmarshal([]byte(o), &job.Options); err != nil {
			return nil, fmt.Errorf("decode options of job %s: %w", job.ID, err)
		}
	}
	job.Priority = atoi(h["priority"])
	job.AttemptsMade = atoi(h["attempts_made"])
	job.MaxAttempts = atoi(h["max_attempts"])
	job.Progress = atoi(h["progress"])
	job.Duration = time.Duration(atoi(h["duration_ms"])) * time.Millisecond
	job.CreatedAt = msTime(h["created_at"])
	job.ScheduledFor = msTimePtr(h["scheduled_for"])
	job.ProcessedOn = msTimePtr(h["processed_on"])
	job.FinishedOn = msTimePtr(h["finished_on"])
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func msTimePtr(s string) *time.Time {
	t := msTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
