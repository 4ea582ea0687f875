package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/events"
	"social-job-orchestrator/internal/orchestrator"
	"social-job-orchestrator/internal/processors"
	"social-job-orchestrator/internal/queue"
	"social-job-orchestrator/internal/store"
	"social-job-orchestrator/internal/telemetry"
	"social-job-orchestrator/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")
	slog.SetDefault(log)
	if err := run(log); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{
		orchestrator.WithObserver(events.NewLogObserver(log)),
		orchestrator.WithObserver(telemetry.MetricsObserver{}),
	}
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithObserver(store.NewAuditObserver(st, log)))
		log.Info("audit log enabled")
	}

	m, err := orchestrator.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	if err := registerProcessors(ctx, m, cfg, log); err != nil {
		return err
	}
	if err := m.Repeat("analytics-hourly", "@hourly", processors.QueueAnalytics, queue.NewJob{
		Type:    processors.JobTypeCollect,
		Payload: processors.CollectRequest{},
	}); err != nil {
		return err
	}

	if err := telemetry.RegisterStats(m, log); err != nil {
		return err
	}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	if err := m.Start(ctx); err != nil {
		return err
	}
	log.Info("worker started", "lease_timeout", cfg.LeaseTimeout, "metrics_addr", cfg.MetricsAddr)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return m.Shutdown(shutdownCtx)
}

func registerProcessors(ctx context.Context, m *orchestrator.Manager, cfg config.Config, log *slog.Logger) error {
	posts := worker.NewTypeMux()
	if err := processors.NewPostProcessor(map[string]processors.Publisher{
		"linkedin":  processors.LogPublisher{Log: log},
		"x":         processors.LogPublisher{Log: log},
		"instagram": processors.LogPublisher{Log: log},
	}).Register(posts); err != nil {
		return err
	}

	analytics := worker.NewTypeMux()
	if err := processors.NewAnalyticsProcessor(processors.LogCollector{Log: log}, time.Hour).Register(analytics); err != nil {
		return err
	}

	notifications := worker.NewTypeMux()
	if err := processors.NewNotificationProcessor(processors.LogSender{Log: log}).Register(notifications); err != nil {
		return err
	}

	media := worker.NewTypeMux()
	mp, err := processors.NewMediaProcessor(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := mp.Register(media); err != nil {
		return err
	}

	for name, mux := range map[string]*worker.TypeMux{
		processors.QueuePosts:         posts,
		processors.QueueAnalytics:     analytics,
		processors.QueueNotifications: notifications,
		processors.QueueMedia:         media,
	} {
		if err := m.RegisterProcessor(name, mux); err != nil {
			return err
		}
	}
	return nil
}
