// Package handlers provides the built-in task handlers shipped with the
// worker binary. Each handler owns the business logic for one queue and is
// registered with the handler registry at start-up.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressline/taskq/internal/task"
)

// Pruner is the slice of the task store the maintenance handler needs.
type Pruner interface {
	PruneFinished(ctx context.Context, retention time.Duration, keepFailed int) (int64, error)
}

type MaintenancePayload struct {
	RetentionDays int `json:"retention_days"`
	KeepFailed    int `json:"keep_failed"`
}

type Maintenance struct {
	store Pruner
}

func NewMaintenance(store Pruner) *Maintenance {
	return &Maintenance{store: store}
}

// Prune deletes finished tasks older than the retention window. Malformed
// payloads are fatal: re-running them can never succeed.
func (m *Maintenance) Prune(ctx context.Context, t *task.Task) (map[string]any, error) {
	payload, err := parseMaintenancePayload(t.Payload)
	if err != nil {
		return nil, task.NewFatalError("INVALID_PAYLOAD", err.Error())
	}

	retention := time.Duration(payload.RetentionDays) * 24 * time.Hour
	pruned, err := m.store.PruneFinished(ctx, retention, payload.KeepFailed)
	if err != nil {
		return nil, task.NewExecutionError("PRUNE_FAILED", fmt.Sprintf("failed to prune finished tasks: %v", err))
	}

	return map[string]any{
		"pruned":         pruned,
		"retention_days": payload.RetentionDays,
		"keep_failed":    payload.KeepFailed,
	}, nil
}

func parseMaintenancePayload(payload map[string]any) (*MaintenancePayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	mp := &MaintenancePayload{
		RetentionDays: 30,
		KeepFailed:    200,
	}
	if err := json.Unmarshal(data, mp); err != nil {
		return nil, err
	}

	if mp.RetentionDays < 1 {
		return nil, fmt.Errorf("retention_days must be >= 1, got %d", mp.RetentionDays)
	}
	if mp.KeepFailed < 0 {
		return nil, fmt.Errorf("keep_failed must be >= 0, got %d", mp.KeepFailed)
	}

	return mp, nil
}
