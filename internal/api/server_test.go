package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/orchestrator"
	"social-job-orchestrator/internal/store"
)

type fakeEvents struct {
	records []store.EventRecord
}

func (f fakeEvents) ListEvents(_ context.Context, queue, jobID string, _ int) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for _, r := range f.records {
		if r.Queue == queue && r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg config.Config, events EventLister) (*httptest.Server, *orchestrator.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := broker.NewWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), broker.Options{})
	m, err := orchestrator.New(cfg, nil, orchestrator.WithBroker(b))
	require.NoError(t, err)
	srv := httptest.NewServer(New(cfg, m, events, nil).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = m.Shutdown(context.Background())
	})
	return srv, m
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEnqueueAndInspect(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/queues/posts/jobs",
		`{"type":"post.publish","payload":{"post_id":"p1"},"owner":{"user_id":"u1","workspace_id":"w1"},"priority":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "posts", body["queue"])

	resp, body = do(t, http.MethodGet, srv.URL+"/queues/posts/jobs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "post.publish", body["type"])
	assert.Equal(t, string(models.StateWaiting), body["state"])

	resp, body = do(t, http.MethodGet, srv.URL+"/queues/posts/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["waiting"])

	resp, body = do(t, http.MethodGet, srv.URL+"/queues", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "posts")

	resp, _ = do(t, http.MethodDelete, srv.URL+"/queues/posts/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/queues/posts/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueErrors(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), nil)
	url := srv.URL + "/queues/posts/jobs"

	resp, _ := do(t, http.MethodPost, url, `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, url, `{"type":"post.publish"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload is required")

	resp, _ = do(t, http.MethodPost, url, `{"type":"post.publish","payload":{"a":1},"max_attempts":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, url, `{"type":"post.publish","payload":{"a":1},"job_id":"fixed"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, url, `{"type":"post.publish","payload":{"a":1},"job_id":"fixed"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitRateLimitPerWorkspace(t *testing.T) {
	cfg := config.Default()
	cfg.SubmitRateCapacity = 2
	cfg.SubmitRateRefill = 0.001
	srv, _ := newTestServer(t, cfg, nil)

	submit := func(workspace string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/queues/posts/jobs",
			strings.NewReader(`{"type":"post.publish","payload":{"a":1}}`))
		require.NoError(t, err)
		req.Header.Set("X-Workspace-ID", workspace)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusAccepted, submit("w1"))
	assert.Equal(t, http.StatusAccepted, submit("w1"))
	assert.Equal(t, http.StatusTooManyRequests, submit("w1"))
	assert.Equal(t, http.StatusAccepted, submit("w2"))
}

func TestAdminRoutes(t *testing.T) {
	srv, m := newTestServer(t, config.Default(), nil)
	ctx := context.Background()

	resp, body := do(t, http.MethodPost, srv.URL+"/queues/media/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", body["status"])
	paused, err := m.Broker().IsPaused(ctx, "media")
	require.NoError(t, err)
	assert.True(t, paused)

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/media/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/queues/media/clean", `{"state":"failed","older_than_seconds":60}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["removed"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/media/clean", `{"state":"waiting"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/queues/media/retry-failed?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["retried"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/media/retry-failed?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/media/jobs/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobEvents(t *testing.T) {
	now := time.Now()
	events := fakeEvents{records: []store.EventRecord{
		{ID: 1, Queue: "posts", JobID: "j1", Kind: models.EventAdded, OccurredAt: now},
		{ID: 2, Queue: "posts", JobID: "j1", Kind: models.EventCompleted, OccurredAt: now},
		{ID: 3, Queue: "posts", JobID: "j2", Kind: models.EventAdded, OccurredAt: now},
	}}
	srv, _ := newTestServer(t, config.Default(), events)

	resp, body := do(t, http.MethodGet, srv.URL+"/queues/posts/jobs/j1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := body["items"].([]any)
	assert.Len(t, items, 2)

	srv2, _ := newTestServer(t, config.Default(), nil)
	resp, _ = do(t, http.MethodGet, srv2.URL+"/queues/posts/jobs/j1/events", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
