package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"cohorts/engine/internal/blob"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/lease"
	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/metrics"
	"cohorts/engine/internal/store"
)

// Runtime holds the live connections behind a production Service.
type Runtime struct {
	DB   *sql.DB
	Deps Deps

	closers []func() error
}

// Close releases every connection opened by Connect in reverse order.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// Connect opens Postgres and, when configured, Redis leasing and object
// storage. reg may be nil, in which case no metrics are recorded.
func Connect(ctx context.Context, cfg config.Config, log *logger.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: db}
	rt.closers = append(rt.closers, db.Close)
	rt.Deps = Deps{
		Store:  store.NewPostgresStore(db),
		Logger: log,
	}
	if reg != nil {
		rt.Deps.Metrics = metrics.New(reg)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err := lease.NewRedisLocker(cfg.RedisURL, holderName(), cfg.LeaseTTL)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.closers = append(rt.closers, locker.Close)
		rt.Deps.Locker = locker
		log.Info("calculation leasing enabled", "ttl", cfg.LeaseTTL.String())
	} else {
		log.Info("calculation leasing disabled")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		source, err := blob.NewMinioSource(cfg.Minio())
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("object storage: %w", err)
		}
		rt.Deps.Blobs = source
		log.Info("static cohort imports enabled", "bucket", cfg.MinioBucket)
	}
	return rt, nil
}

func holderName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cohorts"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
