// Command cohortctl runs cohort maintenance against the production stores.
package main

import (
	"context"
	"fmt"
	"os"

	"cohorts/engine/internal/app"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	env := &cliEnv{
		out: os.Stdout,
		connect: func(ctx context.Context) (*app.Service, func(), error) {
			rt, err := app.Connect(ctx, cfg, log, nil)
			if err != nil {
				return nil, nil, err
			}
			svc := app.New(cfg, rt.Deps)
			return svc, func() {
				_ = svc.Close(context.Background())
				_ = rt.Close()
			}, nil
		},
		migrate: func(ctx context.Context, dryRun bool) ([]string, error) {
			db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2, MaxIdleConns: 1})
			if err != nil {
				return nil, err
			}
			defer db.Close()
			if dryRun {
				return store.PendingMigrations(ctx, db, cfg.MigrationsDir)
			}
			return store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		},
	}

	if err := newRootCmd(env).Execute(); err != nil {
		os.Exit(1)
	}
}
