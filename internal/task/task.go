// Package task defines the core task domain model shared by the store, the
// enqueue facade and the worker runner: task and attempt records, status and
// queue definitions, retry policies, and the structured execution error.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// CorrelationField is the payload key tasks use to carry the correlation id.
const CorrelationField = "correlation_id"

// Well-known queue names. The queue column is free-form; these are the queues
// the default policy registry knows about.
const (
	QueueCollector    = "collector"
	QueueCollectorWeb = "collector_web"
	QueueRewrite      = "rewrite"
	QueuePublish      = "publish"
	QueueImage        = "image"
	QueueMaintenance  = "maintenance"
	QueueSource       = "source"
	QueueDefault      = "default"
)

// JSONMap is a JSONB column mapped to a plain map. A nil map is stored as an
// empty object so the column is never NULL.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Task is one persisted unit of work in a named queue.
type Task struct {
	ID               int64      `json:"id"`
	Queue            string     `json:"queue"`
	Status           TaskStatus `json:"status"`
	Priority         int        `json:"priority"`
	Payload          JSONMap    `json:"payload"`
	Result           JSONMap    `json:"result"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	AvailableAt      time.Time  `json:"available_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         string     `json:"locked_by,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	LastErrorPayload JSONMap    `json:"last_error_payload,omitempty"`
	BaseRetryDelay   int        `json:"base_retry_delay"`
	MaxRetryDelay    int        `json:"max_retry_delay"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CanRetry reports whether the task has reservation attempts left.
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// RetryDelay computes how long the task must wait before its next reservation.
// An explicit override is used verbatim, clamped at zero. Otherwise the delay
// is base_retry_delay doubled per completed attempt and clamped to
// max_retry_delay, floored to whole seconds. Attempts is the already
// incremented count of the failing reservation, so the first failure waits
// exactly base_retry_delay.
func (t *Task) RetryDelay(override *time.Duration) time.Duration {
	if override != nil {
		if *override <= 0 {
			return 0
		}
		return override.Truncate(time.Second)
	}
	exponent := t.Attempts - 1
	if exponent < 0 {
		exponent = 0
	}
	delay := float64(t.BaseRetryDelay) * math.Pow(2, float64(exponent))
	if max := float64(t.MaxRetryDelay); delay > max {
		delay = max
	}
	return time.Duration(int64(delay)) * time.Second
}

// Attempt is the immutable audit record of one execution of a task. Attempt
// rows are only ever inserted; the queue engine never updates or deletes them.
type Attempt struct {
	ID            int64      `json:"id"`
	TaskID        int64      `json:"task_id"`
	AttemptNumber int        `json:"attempt_number"`
	Status        TaskStatus `json:"status"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorPayload  JSONMap    `json:"error_payload,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	WillRetry     bool       `json:"will_retry"`
	AvailableAt   *time.Time `json:"available_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (t *Task) String() string {
	return fmt.Sprintf("Task#%d:%s:%s", t.ID, t.Queue, t.Status)
}
