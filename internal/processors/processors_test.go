package processors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/worker"
)

type fakePublisher struct {
	got []PublishRequest
	err error
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (string, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return "", f.err
	}
	return "x-" + req.PostID, nil
}

type senderFunc func(ctx context.Context, n Notification) (string, error)

func (f senderFunc) Send(ctx context.Context, n Notification) (string, error) { return f(ctx, n) }

func TestPostProcessor(t *testing.T) {
	linkedin := &fakePublisher{}
	p := NewPostProcessor(map[string]Publisher{"LinkedIn": linkedin})
	mux := worker.NewTypeMux()
	require.NoError(t, p.Register(mux))

	res := mux.Process(context.Background(), claimedJob("j1", JobTypePublish, PublishRequest{PostID: "p1", Platform: "linkedin"}))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]string{"post_id": "p1", "external_id": "x-p1"}, res.Result)

	res = mux.Process(context.Background(), claimedJob("j2", JobTypePublish, PublishRequest{PostID: "p2", Platform: "myspace"}))
	assert.False(t, res.Success)
	assert.True(t, res.Unrecoverable)

	linkedin.err = errors.New("502 bad gateway")
	res = mux.Process(context.Background(), claimedJob("j3", JobTypePublish, PublishRequest{PostID: "p3", Platform: "linkedin"}))
	assert.False(t, res.Success)
	assert.False(t, res.Unrecoverable, "gateway errors are retried")

	linkedin.err = fmt.Errorf("token revoked: %w", ErrPermanent)
	res = mux.Process(context.Background(), claimedJob("j4", JobTypePublish, PublishRequest{PostID: "p4", Platform: "linkedin"}))
	assert.True(t, res.Unrecoverable)
}

func TestNotificationProcessor(t *testing.T) {
	var sent []Notification
	p := NewNotificationProcessor(senderFunc(func(_ context.Context, n Notification) (string, error) {
		sent = append(sent, n)
		return "msg-1", nil
	}))

	res := p.Dispatch(context.Background(), claimedJob("j1", JobTypeNotify, nil), Notification{Channel: "email", Recipient: "a@b.c", Template: "post_published"})
	require.True(t, res.Success)
	assert.Len(t, sent, 1)

	res = p.Dispatch(context.Background(), claimedJob("j2", JobTypeNotify, nil), Notification{Channel: "fax", Recipient: "x", Template: "t"})
	assert.True(t, res.Unrecoverable)

	res = p.Dispatch(context.Background(), claimedJob("j3", JobTypeNotify, nil), Notification{Channel: "push"})
	assert.True(t, res.Unrecoverable)
}

func TestAnalyticsProcessorDefaultsWindow(t *testing.T) {
	var got CollectRequest
	p := NewAnalyticsProcessor(collectorFunc(func(_ context.Context, req CollectRequest, progress func(int)) (int, error) {
		got = req
		progress(100)
		return 3, nil
	}), 0)

	job := claimedJob("j1", JobTypeCollect, nil)
	res := p.Collect(context.Background(), job, CollectRequest{WorkspaceID: "w1"})
	require.True(t, res.Success)
	assert.Equal(t, job.CreatedAt.Add(-p.window), got.Since)
	assert.Equal(t, 100, job.Progress)
}

type collectorFunc func(ctx context.Context, req CollectRequest, progress func(int)) (int, error)

func (f collectorFunc) Collect(ctx context.Context, req CollectRequest, progress func(int)) (int, error) {
	return f(ctx, req, progress)
}
