package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// TaskHandler binds a task type to its handler.
type TaskHandler struct {
	Type    string
	Handler asynq.Handler
}

// CronRegistration enqueues Task on every tick of Spec.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects worker dependencies.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// Worker processes queued tasks and, when cron entries are configured,
// runs the scheduler that enqueues them.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewWorker validates cfg and builds a Worker. Invalid cron specs fail here
// rather than at Run.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("jobs: worker has no handlers")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			return nil, fmt.Errorf("jobs: incomplete handler %q", h.Type)
		}
		mux.Handle(h.Type, h.Handler)
	}

	server := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      newAsynqLogger(logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})

	w := &Worker{server: server, mux: mux, logger: logger}
	if len(cfg.Cron) == 0 {
		return w, nil
	}
	w.scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   newAsynqLogger(logger),
	})
	for _, entry := range cfg.Cron {
		if entry.Task == nil {
			return nil, fmt.Errorf("jobs: cron %q has no task", entry.Spec)
		}
		if _, err := w.scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
			return nil, fmt.Errorf("jobs: register cron %q: %w", entry.Spec, err)
		}
	}
	return w, nil
}

// Run processes tasks until ctx ends, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("jobs: start server: %w", err)
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("jobs: start scheduler: %w", err)
		}
	}
	w.logger.Info("worker started")

	<-ctx.Done()
	if w.scheduler != nil {
		w.scheduler.Shutdown()
	}
	w.server.Shutdown()
	w.logger.Info("worker stopped")
	return ctx.Err()
}
