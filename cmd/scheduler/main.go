package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pressline/taskq/internal/config"
	"github.com/pressline/taskq/internal/logger"
	"github.com/pressline/taskq/internal/metrics"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	_, err = c.AddFunc(cfg.Scheduler.MaintenanceSpec, func() {
		t, err := enqueuer.Enqueue(ctx, task.QueueMaintenance, map[string]any{
			"retention_days": cfg.Scheduler.RetentionDays,
			"keep_failed":    cfg.Scheduler.KeepFailed,
		}, queue.Options{})
		if err != nil {
			zl.Error("failed to enqueue maintenance task", zap.Error(err))
			return
		}
		zl.Info("maintenance task enqueued", zap.Int64("task_id", t.ID))
	})
	if err != nil {
		zl.Fatal("invalid maintenance schedule", zap.String("spec", cfg.Scheduler.MaintenanceSpec), zap.Error(err))
	}

	c.Start()
	zl.Info("scheduler started", zap.String("maintenance_spec", cfg.Scheduler.MaintenanceSpec))

	go refreshQueueDepth(ctx, st, cfg.Scheduler.DepthInterval, zl)

	<-ctx.Done()
	zl.Info("scheduler stopping")
	<-c.Stop().Done()
}

// refreshQueueDepth keeps the queue-depth gauge current for the well-known
// queues so dashboards see backlog without querying Postgres.
func refreshQueueDepth(ctx context.Context, st *store.TaskStore, interval time.Duration, zl *zap.Logger) {
	if interval <= 0 {
		return
	}

	queues := []string{
		task.QueueCollector,
		task.QueueCollectorWeb,
		task.QueueRewrite,
		task.QueuePublish,
		task.QueueImage,
		task.QueueMaintenance,
		task.QueueSource,
		task.QueueDefault,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := st.QueuedCount(ctx, q)
				if err != nil {
					zl.Error("failed to read queue depth", zap.String("queue", q), zap.Error(err))
					continue
				}
				metrics.UpdateQueueDepth(q, depth)
			}
		}
	}
}
