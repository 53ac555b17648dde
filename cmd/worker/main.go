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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bugbridge/dashboard/internal/app"
	jobmetrics "github.com/bugbridge/dashboard/internal/jobs"
	"github.com/bugbridge/dashboard/internal/platform/cache"
	"github.com/bugbridge/dashboard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := jobmetrics.NewMetrics(registry)

	sweeper, err := jobs.NewSessionSweeper(jobs.SweeperConfig{
		Redis:   redisClient,
		Logger:  logger,
		Metrics: metrics,
		Grace:   cfg.SweepGrace,
	})
	if err != nil {
		return err
	}
	sweepTask, err := jobs.NewSessionSweepTask(jobs.SessionSweepPayload{})
	if err != nil {
		return err
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  []jobs.TaskHandler{{Type: jobs.TaskSessionSweep, Handler: sweeper}},
		Cron:      []jobs.CronRegistration{{Spec: cfg.SweepSpec, Task: sweepTask}},
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.String("sweep", cfg.SweepSpec), slog.String("metrics", cfg.WorkerMetricsAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
