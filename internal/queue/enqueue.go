// Package queue provides the write path producers use to create tasks with
// per-queue defaults resolved from the policy registry.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pressline/taskq/internal/logctx"
	"github.com/pressline/taskq/internal/metrics"
	"github.com/pressline/taskq/internal/task"
)

// TaskCreator is the slice of the store the enqueuer needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, t *task.Task) error
}

// Options are the per-task overrides accepted by Enqueue. Zero values resolve
// to the queue policy defaults.
type Options struct {
	Priority       int
	ScheduledFor   time.Time
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

type Enqueuer struct {
	store    TaskCreator
	policies *task.PolicyRegistry
	now      func() time.Time
}

func NewEnqueuer(store TaskCreator, policies *task.PolicyRegistry) *Enqueuer {
	return &Enqueuer{
		store:    store,
		policies: policies,
		now:      time.Now,
	}
}

// Enqueue creates a queued task on the named queue. Numeric overrides left at
// zero are resolved from the queue policy; malformed overrides are rejected
// synchronously. The ambient correlation id is copied into the payload when
// the producer did not set one, so downstream tasks stay traceable.
func (e *Enqueuer) Enqueue(ctx context.Context, queue string, payload map[string]any, opts Options) (*task.Task, error) {
	queue = strings.ToLower(queue)
	policy := e.policies.Lookup(queue)

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = policy.MaxAttempts
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1, got %d", maxAttempts)
	}

	baseDelay := opts.BaseRetryDelay
	if baseDelay == 0 {
		baseDelay = policy.BaseRetryDelay
	}
	if baseDelay < 0 {
		return nil, fmt.Errorf("base_retry_delay must be >= 0, got %s", baseDelay)
	}

	maxDelay := opts.MaxRetryDelay
	if maxDelay == 0 {
		maxDelay = policy.MaxRetryDelay
	}
	if maxDelay < 0 {
		return nil, fmt.Errorf("max_retry_delay must be >= 0, got %s", maxDelay)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload[task.CorrelationField]; !ok {
		_, correlationID := logctx.EnsureCorrelationID(ctx)
		payload[task.CorrelationField] = correlationID
	}

	availableAt := opts.ScheduledFor
	if availableAt.IsZero() {
		availableAt = e.now()
	}

	t := &task.Task{
		Queue:          queue,
		Status:         task.StatusQueued,
		Priority:       opts.Priority,
		Payload:        payload,
		MaxAttempts:    maxAttempts,
		AvailableAt:    availableAt,
		BaseRetryDelay: int(baseDelay / time.Second),
		MaxRetryDelay:  int(maxDelay / time.Second),
	}

	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	metrics.RecordTaskEnqueued(queue)
	return t, nil
}
