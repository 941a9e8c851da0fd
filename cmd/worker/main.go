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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/shiftbill/shiftbill/internal/app"
	"github.com/shiftbill/shiftbill/internal/billing"
	billingpg "github.com/shiftbill/shiftbill/internal/billing/postgres"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
	"github.com/shiftbill/shiftbill/internal/observability"
	"github.com/shiftbill/shiftbill/internal/platform/cache"
	"github.com/shiftbill/shiftbill/internal/platform/db"
	"github.com/shiftbill/shiftbill/internal/scheduler"
	"github.com/shiftbill/shiftbill/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.LoadDotEnv(); err != nil {
		slog.Default().Error("load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{
		MaxConns:        int32(cfg.BillingWorkers + 2),
		ApplicationName: "shiftbill-worker",
	})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	asynqOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	service, err := app.NewBillingService(cfg, billingpg.NewRepository(pool), logger, jobMetrics)
	if err != nil {
		logger.Error("init billing service", slog.Any("error", err))
		os.Exit(1)
	}
	clock := service.Clock()

	schedule, err := scheduler.ParseWeekly(cfg.BillingCron)
	if err != nil {
		logger.Error("parse billing cron", slog.Any("error", err))
		os.Exit(1)
	}

	lock := scheduler.NewTickLock(redisClient, cfg.BillingTickLockTTL)
	tickJob := jobs.NewBillingTickJob(service, clock, lock, logger, jobMetrics)
	runForJob := jobs.NewRunForJob(service, logger, jobMetrics)
	agingJob := jobs.NewAgingJob(service, logger, jobMetrics)

	tickTask, err := jobs.NewBillingTickTask(jobs.TickPayload{Trigger: billing.TriggerSchedule})
	if err != nil {
		logger.Error("build tick task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynqOpts,
		Logger:      logger,
		Location:    clock.Location(),
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingTick, Handler: tickJob.Handle},
			{Type: jobs.TaskBillingRunFor, Handler: runForJob.Handle},
			{Type: jobs.TaskBillingAging, Handler: agingJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingCron, Task: tickTask},
			{Spec: cfg.BillingAgingCron, Task: jobs.NewAgingTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	metricsServer := newMetricsServer(cfg.WorkerMetricsAddr, metrics, jobs.NewHandler(inspector, logger))
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if cfg.BillingCatchUp {
		go func() {
			ran, err := scheduler.CatchUp(ctx, service, tickJob.Coalescer(), schedule, billing.TriggerCatchUp)
			switch {
			case err != nil:
				logger.Error("billing catch-up", slog.Any("error", err))
			case ran:
				logger.Info("billing catch-up tick completed")
			}
		}()
	}

	logger.Info("worker started",
		slog.String("billing_cron", cfg.BillingCron),
		slog.String("timezone", clock.Location().String()))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func newMetricsServer(addr string, metrics *observability.Metrics, jobHandler *jobs.Handler) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/jobs", jobHandler.MountRoutes)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
