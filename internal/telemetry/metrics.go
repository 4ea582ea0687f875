package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"social-job-orchestrator/internal/models"
)

var (
	once sync.Once

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobq_events_total",
		Help: "Job lifecycle events by queue and kind",
	}, []string{"queue", "event"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobq_job_duration_seconds",
		Help:    "Processor run time of finished attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue"})
	SubmitRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobq_submit_rate_limited_total",
		Help: "Submissions rejected by the per-workspace rate limiter",
	})
)

// Handler exposes /metrics with the default registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(EventsTotal, JobDuration, SubmitRateLimited)
	})
	return promhttp.Handler()
}

// MetricsObserver counts lifecycle events. It is meant to be subscribed to the event bus.
type MetricsObserver struct{}

func (MetricsObserver) OnEvent(ev models.Event) {
	EventsTotal.WithLabelValues(ev.Queue, string(ev.Kind)).Inc()
	switch ev.Kind {
	case models.EventCompleted, models.EventFailed, models.EventRetrying:
		if ev.Duration > 0 {
			JobDuration.WithLabelValues(ev.Queue).Observe(ev.Duration.Seconds())
		}
	}
}

// StatsSource reports the current counts of every known queue.
type StatsSource interface {
	GetAllQueueStats(ctx context.Context) (map[string]models.Stats, error)
}

// StatsCollector exports broker-side queue counts at scrape time, so the
// gauges always agree with what the admin surface reports.
type StatsCollector struct {
	src     StatsSource
	timeout time.Duration
	log     *slog.Logger
	desc    *prometheus.Desc
	up      *prometheus.Desc
}

func NewStatsCollector(src StatsSource, log *slog.Logger) *StatsCollector {
	if log == nil {
		log = slog.Default()
	}
	return &StatsCollector{
		src:     src,
		timeout: 2 * time.Second,
		log:     log.With("component", "telemetry"),
		desc:    prometheus.NewDesc("jobq_jobs", "Jobs per queue and state as reported by the broker", []string{"queue", "state"}, nil),
		up:      prometheus.NewDesc("jobq_broker_up", "Whether the last stats scrape reached the broker", nil, nil),
	}
}

// RegisterStats adds a StatsCollector to the default registry.
func RegisterStats(src StatsSource, log *slog.Logger) error {
	err := prometheus.Register(NewStatsCollector(src, log))
	if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return nil
	}
	return err
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.up
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	all, err := c.src.GetAllQueueStats(ctx)
	if err != nil {
		c.log.Warn("collect queue stats", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for queue, s := range all {
		for state, n := range map[models.JobState]int64{
			models.StateWaiting:   s.Waiting,
			models.StateActive:    s.Active,
			models.StateCompleted: s.Completed,
			models.StateFailed:    s.Failed,
			models.StateDelayed:   s.Delayed,
			models.StatePaused:    s.Paused,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), queue, string(state))
		}
	}
}
