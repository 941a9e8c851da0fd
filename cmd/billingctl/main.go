package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiftbill/shiftbill/cmd/billingctl/cli"
	"github.com/shiftbill/shiftbill/internal/app"
	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/memstore"
	billingpg "github.com/shiftbill/shiftbill/internal/billing/postgres"
	"github.com/shiftbill/shiftbill/internal/platform/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCodeError)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: load config:", err)
		os.Exit(cli.ExitCodeError)
	}
	logger := app.NewLogger(cfg)
	clock, err := cfg.Clock()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCodeError)
	}

	deps := cli.Deps{
		Out:   os.Stdout,
		Clock: clock,
		OpenRunner: func(ctx context.Context) (cli.Runner, func(), error) {
			repo, closeFn, err := openRepository(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			svc, err := app.NewBillingService(cfg, repo, logger, nil)
			if err != nil {
				closeFn()
				return nil, nil, err
			}
			return svc, closeFn, nil
		},
		OpenQueue: func() (cli.Queue, error) {
			return cli.NewJobsCLI(cfg.RedisAddr)
		},
		Migrate: func(ctx context.Context) error {
			pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "billingctl"})
			if err != nil {
				return err
			}
			defer pool.Close()
			return billingpg.Migrate(ctx, pool)
		},
	}

	os.Exit(cli.Execute(ctx, deps, os.Args[1:], os.Stderr))
}

func openRepository(ctx context.Context, cfg *app.Config) (billing.Repository, func(), error) {
	if cfg.BillingStore == app.StoreMemory {
		store := memstore.New()
		store.SeedDemo()
		return store, func() {}, nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "billingctl"})
	if err != nil {
		return nil, nil, err
	}
	return billingpg.NewRepository(pool), pool.Close, nil
}
