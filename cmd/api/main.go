package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cohorts/engine/internal/app"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Exit(reportStartupError(os.Stderr, "logger", err))
	}
	defer log.Sync()

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := app.Connect(ctx, cfg, log, reg)
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer rt.Close()

	applied, err := store.ApplyMigrations(ctx, rt.DB, cfg.MigrationsDir)
	if err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	service := app.New(cfg, rt.Deps)
	if n, err := service.ResetStuckCalculations(ctx); err != nil {
		log.Warn("reset stuck calculations failed", "error", err)
	} else if n > 0 {
		log.Info("reset stuck calculations", "count", n)
	}

	httpServer := app.NewHTTPServer(service, log, reg)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("cohort API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := service.Close(shutdownCtx); err != nil {
		log.Error("background recalculations did not finish", "error", err)
	}
}

// reportStartupError prints a failure that happened before logging was
// available and returns the process exit code.
func reportStartupError(stderr io.Writer, stage string, err error) int {
	fmt.Fprintf(stderr, "%s: %v\n", stage, err)
	return 1
}
