// Package worker provides the polling runner that reserves tasks from one
// queue, dispatches them to a handler, and converts each outcome into a task
// store transition. Handler errors never escape a poll cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pressline/taskq/internal/logctx"
	"github.com/pressline/taskq/internal/metrics"
	"github.com/pressline/taskq/internal/task"
)

// Handler executes one task and returns its result payload. A returned
// *task.ExecutionError carries the retry decision; any other error is treated
// as retryable by default.
type Handler func(ctx context.Context, t *task.Task) (map[string]any, error)

// Store is the slice of the task store the runner drives.
type Store interface {
	Reserve(ctx context.Context, queue, workerID string, limit int) ([]*task.Task, error)
	ReviveStale(ctx context.Context, queue string, maxAge time.Duration) (int64, error)
	MarkSucceeded(ctx context.Context, t *task.Task, result map[string]any) error
	MarkForRetry(ctx context.Context, t *task.Task, code, message string, payload map[string]any, retryIn *time.Duration) error
	MarkFailed(ctx context.Context, t *task.Task, code, message string, payload map[string]any) error
}

// Config holds the per-runner knobs. Zero BatchSize defaults to 1; a zero
// StaleLockTimeout disables the revival sweep for this runner.
type Config struct {
	WorkerID         string
	BatchSize        int
	IdleSleep        time.Duration
	StaleLockTimeout time.Duration
}

type Runner struct {
	store   Store
	queue   string
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// NewRunner validates the configuration and builds a runner for one queue.
func NewRunner(store Store, queue string, handler Handler, cfg Config, logger *zap.Logger) (*Runner, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler for queue %q is required", queue)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch_size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.IdleSleep < 0 {
		return nil, fmt.Errorf("idle_sleep must be >= 0, got %s", cfg.IdleSleep)
	}
	if cfg.StaleLockTimeout < 0 {
		return nil, fmt.Errorf("stale_lock_timeout must be >= 0, got %s", cfg.StaleLockTimeout)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = makeWorkerID(queue)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		store:   store,
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(zap.String("queue", queue), zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// NewRunnerFromRegistry builds a runner whose handler is resolved from the
// registry; a missing handler is fatal to start-up.
func NewRunnerFromRegistry(store Store, queue string, registry *Registry, cfg Config, logger *zap.Logger) (*Runner, error) {
	handler, err := registry.Get(queue)
	if err != nil {
		return nil, err
	}
	return NewRunner(store, queue, handler, cfg, logger)
}

func (r *Runner) WorkerID() string {
	return r.cfg.WorkerID
}

// RunOnce executes one poll cycle: revive stale locks, reserve a batch, and
// process each reserved task. It returns the number of tasks processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if r.cfg.StaleLockTimeout > 0 {
		revived, err := r.store.ReviveStale(ctx, r.queue, r.cfg.StaleLockTimeout)
		if err != nil {
			return 0, fmt.Errorf("failed to revive stale tasks: %w", err)
		}
		if revived > 0 {
			metrics.RecordTasksRevived(r.queue, revived)
			r.logger.Warn("revived stale tasks", zap.Int64("count", revived))
		}
	}

	reserved, err := r.store.Reserve(ctx, r.queue, r.cfg.WorkerID, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve tasks: %w", err)
	}
	if len(reserved) > 0 {
		metrics.RecordTasksReserved(r.queue, len(reserved))
	}

	for _, t := range reserved {
		r.processTask(ctx, t)
	}

	return len(reserved), nil
}

// Run polls the queue until the context is cancelled, sleeping for IdleSleep
// after every cycle that processed nothing.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started")

	for {
		processed, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("worker stopped")
				return nil
			}
			r.logger.Error("poll cycle failed", zap.Error(err))
		}

		if processed == 0 && r.cfg.IdleSleep > 0 {
			select {
			case <-ctx.Done():
				r.logger.Info("worker stopped")
				return nil
			case <-time.After(r.cfg.IdleSleep):
			}
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("worker stopped")
			return nil
		default:
		}
	}
}

func (r *Runner) processTask(ctx context.Context, t *task.Task) {
	start := time.Now()

	correlationID, _ := t.Payload[task.CorrelationField].(string)
	if correlationID == "" {
		correlationID = logctx.NewCorrelationID()
	}
	ctx = logctx.WithCorrelationID(ctx, correlationID)

	logger := r.logger.With(
		zap.Int64("task_id", t.ID),
		zap.String("correlation_id", correlationID),
	)

	result, err := r.invokeHandler(ctx, t)
	duration := time.Since(start)

	if err == nil {
		if markErr := r.store.MarkSucceeded(ctx, t, result); markErr != nil {
			logger.Error("failed to record task success", zap.Error(markErr))
			return
		}
		metrics.RecordTaskSucceeded(t.Queue, duration)
		logger.Info("task succeeded",
			zap.Int("attempt", t.Attempts),
			zap.Duration("duration", duration),
		)
		return
	}

	var execErr *task.ExecutionError
	if errors.As(err, &execErr) {
		logger.Warn("task handler reported failure",
			zap.String("code", execErr.Code),
			zap.Error(err),
		)
		r.finalizeFailure(ctx, logger, t, execErr.Code, execErr.Message, execErr.Payload, execErr.RetryIn, !execErr.Retry, duration)
		return
	}

	logger.Error("unexpected error in task handler", zap.Error(err))
	r.finalizeFailure(ctx, logger, t, "UNEXPECTED_ERROR", err.Error(), nil, nil, false, duration)
}

func (r *Runner) finalizeFailure(ctx context.Context, logger *zap.Logger, t *task.Task, code, message string, payload map[string]any, retryIn *time.Duration, forceFail bool, duration time.Duration) {
	if !forceFail && t.CanRetry() {
		if err := r.store.MarkForRetry(ctx, t, code, message, payload, retryIn); err != nil {
			logger.Error("failed to requeue task", zap.Error(err))
			return
		}
		metrics.RecordTaskRetried(t.Queue, duration)
		logger.Info("task requeued",
			zap.Int("attempt", t.Attempts),
			zap.Int("max_attempts", t.MaxAttempts),
			zap.Time("available_at", t.AvailableAt),
		)
		return
	}

	if err := r.store.MarkFailed(ctx, t, code, message, payload); err != nil {
		logger.Error("failed to record task failure", zap.Error(err))
		return
	}
	metrics.RecordTaskFailed(t.Queue, duration)
	logger.Error("task failed permanently", zap.Int("attempts", t.Attempts))
}

// invokeHandler calls the handler with panic recovery: a panicking handler is
// an unclassified failure, not a dead worker.
func (r *Runner) invokeHandler(ctx context.Context, t *task.Task) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordHandlerPanic(t.Queue)
			r.logger.Error("task handler panicked",
				zap.Int64("task_id", t.ID),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("panic recovered: %v", rec)
		}
	}()

	return r.handler(ctx, t)
}

func makeWorkerID(queue string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hostname = strings.Split(hostname, ".")[0]
	return fmt.Sprintf("%s-%s-%d", queue, hostname, os.Getpid())
}
