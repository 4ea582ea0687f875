package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/models"
)

type fakeStats struct {
	stats map[string]models.Stats
	err   error
}

func (f fakeStats) GetAllQueueStats(context.Context) (map[string]models.Stats, error) {
	return f.stats, f.err
}

func TestMetricsObserverCountsEvents(t *testing.T) {
	before := testutil.ToFloat64(EventsTotal.WithLabelValues("posts", "completed"))

	var obs MetricsObserver
	obs.OnEvent(models.Event{Queue: "posts", Kind: models.EventCompleted, Duration: 120 * time.Millisecond})
	obs.OnEvent(models.Event{Queue: "posts", Kind: models.EventCompleted, Duration: 80 * time.Millisecond})
	obs.OnEvent(models.Event{Queue: "posts", Kind: models.EventAdded})

	assert.Equal(t, before+2, testutil.ToFloat64(EventsTotal.WithLabelValues("posts", "completed")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(JobDuration), 1)
}

func TestStatsCollectorReportsBrokerCounts(t *testing.T) {
	c := NewStatsCollector(fakeStats{stats: map[string]models.Stats{
		"posts": {Waiting: 4, Active: 2, Completed: 10},
	}}, nil)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP jobq_jobs Jobs per queue and state as reported by the broker
# TYPE jobq_jobs gauge
jobq_jobs{queue="posts",state="active"} 2
jobq_jobs{queue="posts",state="completed"} 10
jobq_jobs{queue="posts",state="delayed"} 0
jobq_jobs{queue="posts",state="failed"} 0
jobq_jobs{queue="posts",state="paused"} 0
jobq_jobs{queue="posts",state="waiting"} 4
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobq_jobs"))
}

func TestStatsCollectorBrokerDown(t *testing.T) {
	c := NewStatsCollector(fakeStats{err: errors.New("broker unavailable")}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP jobq_broker_up Whether the last stats scrape reached the broker
# TYPE jobq_broker_up gauge
jobq_broker_up 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobq_broker_up"))
}
