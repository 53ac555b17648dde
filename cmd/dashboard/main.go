package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bugbridge/dashboard/cmd/dashboard/cli"
	"github.com/bugbridge/dashboard/internal/app"
	"github.com/bugbridge/dashboard/internal/auth"
	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/dashboard"
	"github.com/bugbridge/dashboard/internal/observability"
	"github.com/bugbridge/dashboard/internal/platform/cache"
	"github.com/bugbridge/dashboard/internal/rbac"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/view"
	"github.com/bugbridge/dashboard/internal/workspace"
	"github.com/bugbridge/dashboard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobsCommand(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, shared.SessionOptions{
		Secret: cfg.SessionSecret,
		TTL:    cfg.SessionTTL,
		Secure: cfg.IsProduction(),
	})
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	apiClient, err := bugbridge.New(cfg.APIURL, bugbridge.Options{
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	})
	if err != nil {
		logger.Error("init api client", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	registry, err := workspace.NewRegistry(workspace.Config{
		Redis:       redisClient,
		API:         apiClient,
		Logger:      logger,
		Observer:    metrics,
		Grace:       cfg.RestoreGrace,
		LeadTime:    cfg.RefreshLead,
		MinInterval: cfg.RefreshMinInterval,
		IdleTTL:     cfg.WorkspaceIdleTTL,
		StorageTTL:  cfg.SessionTTL,
		OnCount:     metrics.SetWorkspaces,
	})
	if err != nil {
		logger.Error("init workspace registry", slog.Any("error", err))
		os.Exit(1)
	}
	defer registry.Close()
	go registry.Run(ctx)

	rbacMiddleware := rbac.Middleware{
		Templates:   templates,
		CSRF:        csrfManager,
		Logger:      logger,
		RestoreWait: cfg.RestoreWait,
	}
	authHandler := auth.NewHandler(logger, auth.NewService(logger), registry, templates, csrfManager)
	dashboardHandler := dashboard.NewHandler(logger, templates, csrfManager, rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CSRFManager:      csrfManager,
		Registry:         registry,
		AuthHandler:      authHandler,
		DashboardHandler: dashboardHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("api", cfg.APIURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `dashboard jobs trigger <name>` and `dashboard jobs stats`.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	grace := fs.Duration("grace", cfg.SweepGrace, "how long past expiry a session is kept")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	switch fs.Arg(0) {
	case "trigger":
		info, err := jobsCLI.Trigger(ctx, fs.Arg(1), *grace)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s\n", info.Type, info.ID)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		cli.PrintStats(os.Stdout, stats)
		return nil
	default:
		return fmt.Errorf("usage: dashboard jobs [-grace d] trigger %s | stats", jobs.TaskSessionSweep)
	}
}
