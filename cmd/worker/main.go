package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pressline/taskq/internal/config"
	"github.com/pressline/taskq/internal/logger"
	"github.com/pressline/taskq/internal/store"
	"github.com/pressline/taskq/internal/worker"
	"github.com/pressline/taskq/internal/worker/handlers"
)

func main() {
	once := flag.Bool("once", false, "process a single batch and exit")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(cfg.Logger.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	st, err := store.Open(cfg.Database.URL, store.Pool{
		MaxOpen:     cfg.Database.MaxOpenConns,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		zl.Fatal("failed to open task store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			zl.Error("failed to close task store", zap.Error(err))
		}
	}()

	if err := store.Migrate(st.DB()); err != nil {
		zl.Fatal("failed to run migrations", zap.Error(err))
	}

	registry := worker.NewRegistry()
	registry.Register("maintenance", handlers.NewMaintenance(st).Prune)
	if cfg.Email.APIKey != "" {
		notifier := handlers.NewNotifier(cfg.Email.APIKey, cfg.Email.FromName, cfg.Email.FromAddress)
		registry.Register("notify", notifier.NotifyEmail)
	}

	runner, err := worker.NewRunnerFromRegistry(st, cfg.Worker.Queue, registry, worker.Config{
		WorkerID:         cfg.Worker.WorkerID,
		BatchSize:        cfg.Worker.BatchSize,
		IdleSleep:        cfg.Worker.IdleSleep,
		StaleLockTimeout: cfg.Worker.StaleLockTimeout,
	}, zl)
	if err != nil {
		zl.Fatal("failed to build worker", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once || cfg.Worker.Once {
		processed, err := runner.RunOnce(ctx)
		if err != nil {
			zl.Fatal("poll cycle failed", zap.Error(err))
		}
		zl.Info("single batch processed", zap.Int("count", processed))
		return
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zl.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("metrics server failed", zap.Error(err))
		}
	}()

	if err := runner.Run(ctx); err != nil {
		zl.Error("worker exited with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zl.Error("failed to shut down metrics server", zap.Error(err))
	}
}
