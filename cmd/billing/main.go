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

	"github.com/shiftbill/shiftbill/internal/app"
	"github.com/shiftbill/shiftbill/internal/billing"
	billinghttp "github.com/shiftbill/shiftbill/internal/billing/http"
	"github.com/shiftbill/shiftbill/internal/billing/memstore"
	billingpg "github.com/shiftbill/shiftbill/internal/billing/postgres"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
	"github.com/shiftbill/shiftbill/internal/observability"
	"github.com/shiftbill/shiftbill/internal/platform/db"
	"github.com/shiftbill/shiftbill/jobs"
	"github.com/shiftbill/shiftbill/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	var (
		repo  billing.Repository
		ready func(*http.Request) error
	)
	switch cfg.BillingStore {
	case app.StoreMemory:
		store := memstore.New()
		store.SeedDemo()
		repo = store
		logger.Warn("running against the in-memory demo store")
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "shiftbill-api"})
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo = billingpg.NewRepository(pool)
		ready = func(r *http.Request) error { return pool.Ping(r.Context()) }
	}

	service, err := app.NewBillingService(cfg, repo, logger, jobMetrics)
	if err != nil {
		logger.Error("init billing service", slog.Any("error", err))
		os.Exit(1)
	}

	var (
		queue      billinghttp.TickEnqueuer
		jobHandler *jobs.Handler
	)
	if redisOpt, err := jobs.RedisOpt(cfg.RedisAddr); err != nil {
		logger.Warn("job queue disabled", slog.Any("error", err))
	} else {
		client, err := jobs.NewClient(redisOpt)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpt)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		queue = client
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	var reportHandler *report.Handler
	if cfg.GotenbergURL != "" {
		reportHandler = report.NewHandler(report.NewClient(cfg.GotenbergURL), service, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billinghttp.NewHandler(logger, service, queue),
		JobHandler:     jobHandler,
		ReportHandler:  reportHandler,
		Metrics:        metrics,
		Ready:          ready,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
