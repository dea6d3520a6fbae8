package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pressline/taskq/internal/metrics"
	"github.com/pressline/taskq/internal/store"
	"github.com/pressline/taskq/internal/task"
)

// startStatusCollector keeps the per-status gauges current so scrapes see
// backlog and failure buildup without querying Postgres.
func startStatusCollector(ctx context.Context, st *store.TaskStore, interval time.Duration, zl *zap.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, st, zl)
		}
	}
}

func updateStatusGauges(ctx context.Context, st *store.TaskStore, zl *zap.Logger) {
	counts, err := st.StatusCounts(ctx)
	if err != nil {
		zl.Error("failed to read task status counts", zap.Error(err))
		return
	}

	for queue, statuses := range counts {
		for status, count := range statuses {
			metrics.UpdateTasksByStatus(queue, string(status), count)
		}
		metrics.UpdateQueueDepth(queue, statuses[task.StatusQueued])
	}
}
