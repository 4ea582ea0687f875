package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
)

func newTestQueue(t *testing.T, name string) (*Queue, *broker.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := broker.NewWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), broker.Options{})
	t.Cleanup(func() { _ = b.Close() })
	q, err := New(name, models.DefaultJobOptions(), 2, b, nil)
	require.NoError(t, err)
	return q, b
}

func TestAddValidatesSubmission(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "posts")

	_, err := q.Add(ctx, NewJob{Payload: map[string]string{"a": "b"}})
	assert.True(t, IsValidation(err), "missing type")

	_, err = q.Add(ctx, NewJob{Type: "post.publish"})
	assert.True(t, IsValidation(err), "nil payload")

	_, err = q.Add(ctx, NewJob{Type: "post.publish", Payload: json.RawMessage(`null`)})
	assert.True(t, IsValidation(err), "null payload")

	_, err = q.Add(ctx, NewJob{Type: "post.publish", Payload: func() {}})
	assert.True(t, IsValidation(err), "unserialisable payload")

	_, err = q.Add(ctx, NewJob{Type: "post.publish", Payload: json.RawMessage(`{"x":1}`)}, WithAttempts(0))
	assert.True(t, IsValidation(err), "zero attempts")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestAddMergesOptions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "posts")

	prio := 4
	h, err := q.Add(ctx, NewJob{
		Type:     "post.publish",
		Payload:  map[string]string{"post_id": "p1"},
		Owner:    &models.Owner{UserID: "u1", WorkspaceID: "w1"},
		Priority: &prio,
	}, WithAttempts(5), WithFixedBackoff(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "posts", h.Queue)

	job, err := q.Job(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, 4, job.Priority)
	assert.Equal(t, models.BackoffFixed, job.Options.Backoff.Type)
	assert.Equal(t, 100, job.Options.Retention.KeepCompleted, "untouched defaults survive")
	assert.Equal(t, 3, q.Defaults().MaxAttempts, "defaults are not mutated")
}

func TestScheduledJobIsDelayed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "posts")

	later := time.Now().Add(time.Hour)
	h, err := q.Add(ctx, NewJob{Type: "post.publish", Payload: `"p1"`, ScheduledFor: &later})
	require.NoError(t, err)

	job, err := q.Job(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelayed, job.State)
	require.NotNil(t, job.ScheduledFor)

	past := time.Now().Add(-time.Hour)
	h, err = q.Add(ctx, NewJob{Type: "post.publish", Payload: `"p2"`, ScheduledFor: &past})
	require.NoError(t, err)
	job, err = q.Job(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, job.State)
}

func TestDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "analytics")

	_, err := q.Add(ctx, NewJob{Type: "analytics.collect", Payload: `{}`}, WithJobID("repeat:hourly:1"))
	require.NoError(t, err)
	_, err = q.Add(ctx, NewJob{Type: "analytics.collect", Payload: `{}`}, WithJobID("repeat:hourly:1"))
	assert.ErrorIs(t, err, broker.ErrDuplicateJob)
}

func TestPauseResumeReportsPausedCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "posts")

	require.NoError(t, q.Pause(ctx))
	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, NewJob{Type: "post.publish", Payload: map[string]int{"n": i}})
		require.NoError(t, err)
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Paused)
	assert.Equal(t, int64(0), stats.Waiting)

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, q.Resume(ctx))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Waiting)
	assert.Equal(t, int64(0), stats.Paused)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, b := newTestQueue(t, "posts")

	h, err := q.Add(ctx, NewJob{Type: "post.publish", Payload: `"a"`})
	require.NoError(t, err)
	removed, err := q.Remove(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = q.Job(ctx, h.ID)
	assert.ErrorIs(t, err, broker.ErrJobNotFound)

	h, err = q.Add(ctx, NewJob{Type: "post.publish", Payload: `"b"`})
	require.NoError(t, err)
	claimed, err := b.Claim(ctx, "posts", time.Minute)
	require.NoError(t, err)
	require.Equal(t, h.ID, claimed.ID)

	removed, err = q.Remove(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, removed, "active jobs are left alone")
}

func TestCleanRejectsNonTerminalStates(t *testing.T) {
	q, _ := newTestQueue(t, "posts")
	_, err := q.Clean(context.Background(), 0, models.StateWaiting, 0)
	assert.True(t, IsValidation(err))
	_, err = q.Clean(context.Background(), -time.Second, models.StateCompleted, 0)
	assert.True(t, IsValidation(err))
}

func TestRetryFailedKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	q, b := newTestQueue(t, "notifications")

	var ids []string
	for i := 0; i < 3; i++ {
		h, err := q.Add(ctx, NewJob{Type: "notification.dispatch", Payload: map[string]int{"n": i}}, WithAttempts(1))
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}
	for range ids {
		claimed, err := b.Claim(ctx, "notifications", time.Minute)
		require.NoError(t, err)
		outcome, _, err := b.Fail(ctx, "notifications", claimed, "smtp down", 0, false, time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, broker.FailFinal, outcome)
	}

	_, err := q.RetryFailed(ctx, 0)
	assert.True(t, IsValidation(err))

	n, err := q.RetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.Equal(t, int64(1), stats.Failed)

	job, err := q.Job(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)

	err = q.Retry(ctx, ids[0])
	assert.ErrorIs(t, err, broker.ErrNotFailed)
}

func TestNewRejectsBadDefaults(t *testing.T) {
	_, err := New("", models.DefaultJobOptions(), 1, nil, nil)
	assert.Error(t, err)

	bad := models.DefaultJobOptions()
	bad.MaxAttempts = 0
	_, err = New("posts", bad, 1, nil, nil)
	assert.Error(t, err)
}
