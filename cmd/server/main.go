package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pressline/taskq/internal/api"
	"github.com/pressline/taskq/internal/config"
	"github.com/pressline/taskq/internal/dashboard"
	"github.com/pressline/taskq/internal/logger"
	"github.com/pressline/taskq/internal/middleware"
	"github.com/pressline/taskq/internal/queue"
	"github.com/pressline/taskq/internal/store"
	"github.com/pressline/taskq/internal/task"
)

func main() {
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

	enqueuer := queue.NewEnqueuer(st, task.NewPolicyRegistry())
	apiHandler := api.NewAPI(st, enqueuer, dashboard.NewDashboard(st))

	mux := http.NewServeMux()
	mux.Handle("/api/", middleware.MetricsMiddleware(apiHandler))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go startStatusCollector(ctx, st, cfg.Server.StatusInterval, zl)

	go func() {
		zl.Info("admin server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("admin server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("admin server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("failed to shut down admin server", zap.Error(err))
	}
}
