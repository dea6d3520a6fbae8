// Package dashboard implements the monitoring endpoints for queue backlog and
// recent task outcomes.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/pressline/taskq/internal/httputil"
	"github.com/pressline/taskq/internal/task"
)

// Store is the slice of the task store the dashboard reads from.
type Store interface {
	StatusCounts(ctx context.Context) (map[string]map[task.TaskStatus]int64, error)
	ListRecentFinished(ctx context.Context, limit int) ([]*task.Task, error)
}

type Dashboard struct {
	store Store
}

type Stats struct {
	TotalTasks     int64                                `json:"total_tasks"`
	QueuedTasks    int64                                `json:"queued_tasks"`
	RunningTasks   int64                                `json:"running_tasks"`
	SucceededTasks int64                                `json:"succeeded_tasks"`
	FailedTasks    int64                                `json:"failed_tasks"`
	CancelledTasks int64                                `json:"cancelled_tasks"`
	Queues         map[string]map[task.TaskStatus]int64 `json:"queues"`
	LastUpdated    time.Time                            `json:"last_updated"`
}

type RecentTask struct {
	TaskID     int64           `json:"task_id"`
	Queue      string          `json:"queue"`
	Status     task.TaskStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Duration   string          `json:"duration"`
}

func NewDashboard(store Store) *Dashboard {
	return &Dashboard{store: store}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := d.store.StatusCounts(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		Queues:      counts,
		LastUpdated: time.Now(),
	}

	for _, statuses := range counts {
		for status, count := range statuses {
			stats.TotalTasks += count
			switch status {
			case task.StatusQueued:
				stats.QueuedTasks += count
			case task.StatusRunning:
				stats.RunningTasks += count
			case task.StatusSucceeded:
				stats.SucceededTasks += count
			case task.StatusFailed:
				stats.FailedTasks += count
			case task.StatusCancelled:
				stats.CancelledTasks += count
			}
		}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.store.ListRecentFinished(r.Context(), 50)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	recent := []RecentTask{}
	for _, t := range tasks {
		var duration string
		if t.StartedAt != nil && t.FinishedAt != nil {
			duration = t.FinishedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		recent = append(recent, RecentTask{
			TaskID:     t.ID,
			Queue:      t.Queue,
			Status:     t.Status,
			Attempts:   t.Attempts,
			CreatedAt:  t.CreatedAt,
			FinishedAt: t.FinishedAt,
			Duration:   duration,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, recent)
}
