// Package store provides PostgreSQL persistence for tasks and their attempt
// audit log. All state transitions go through the store; Reserve is the only
// synchronization primitive the workers need, implemented with row locks that
// skip rows already claimed by a concurrent transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pressline/taskq/internal/task"
)

const taskColumns = `id, queue, status, priority, payload, result, attempts, max_attempts,
		available_at, locked_at, locked_by, started_at, finished_at,
		last_error_code, last_error_message, last_error_payload,
		base_retry_delay, max_retry_delay, created_at, updated_at`

type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

// Pool bounds the connection pool. Zero values fall back to the defaults
// below.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// Open connects to PostgreSQL and returns a store backed by the connection pool.
func Open(dsn string, pool Pool) (*TaskStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if pool.MaxOpen == 0 {
		pool.MaxOpen = 25
	}
	if pool.MaxIdle == 0 {
		pool.MaxIdle = 5
	}
	if pool.MaxLifetime == 0 {
		pool.MaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

// CreateTask inserts a queued task and fills in its generated fields.
func (s *TaskStore) CreateTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (
			queue, status, priority, payload, result,
			attempts, max_attempts, available_at,
			base_retry_delay, max_retry_delay
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	if t.Status == "" {
		t.Status = task.StatusQueued
	}
	if t.AvailableAt.IsZero() {
		t.AvailableAt = s.now()
	}

	err := s.db.QueryRowContext(
		ctx,
		query,
		t.Queue,
		t.Status,
		t.Priority,
		t.Payload,
		t.Result,
		t.Attempts,
		t.MaxAttempts,
		t.AvailableAt,
		t.BaseRetryDelay,
		t.MaxRetryDelay,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// Reserve atomically claims up to limit eligible tasks from the queue for the
// given worker. Rows locked by a concurrent reservation are skipped, never
// waited on, so two workers polling the same queue can never claim the same
// row; the call simply returns fewer tasks.
func (s *TaskStore) Reserve(ctx context.Context, queue, workerID string, limit int) ([]*task.Task, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE queue = $1
			AND status = 'queued'
			AND available_at <= $2
			AND attempts < max_attempts
		ORDER BY priority, available_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, queue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible tasks: %w", err)
	}

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	claim := `
		UPDATE tasks
		SET status = 'running',
		    locked_by = $1,
		    locked_at = $2,
		    started_at = $2,
		    available_at = $2,
		    attempts = attempts + 1,
		    updated_at = $2
		WHERE id = ANY($3)
	`
	if _, err := tx.ExecContext(ctx, claim, workerID, now, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to claim reserved tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	lockedAt := now
	for _, t := range tasks {
		t.Status = task.StatusRunning
		t.LockedBy = workerID
		t.LockedAt = &lockedAt
		t.StartedAt = &lockedAt
		t.AvailableAt = now
		t.Attempts++
		t.UpdatedAt = now
	}

	return tasks, nil
}

// ReviveStale requeues running tasks whose lock is older than maxAge. This is
// the sole recovery path for workers that died while holding a lock. The
// update is a single bulk statement: a live worker finishing at the same
// instant wins because its own transition updates by primary key under its
// held lock, while this update only matches rows whose lock really is expired.
func (s *TaskStore) ReviveStale(ctx context.Context, queue string, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	now := s.now()
	cutoff := now.Add(-maxAge)

	query := `
		UPDATE tasks
		SET status = 'queued',
		    locked_at = NULL,
		    locked_by = '',
		    started_at = NULL,
		    available_at = $1,
		    updated_at = $1
		WHERE queue = $2
			AND status = 'running'
			AND locked_at < $3
	`
	res, err := s.db.ExecContext(ctx, query, now, queue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to revive stale tasks: %w", err)
	}

	return res.RowsAffected()
}

// MarkSucceeded stores the result, finishes the task, and appends the
// succeeded attempt row, all in one transaction.
func (s *TaskStore) MarkSucceeded(ctx context.Context, t *task.Task, result map[string]any) error {
	now := s.now()
	startedAt := t.StartedAt
	if result == nil {
		result = map[string]any{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE tasks
		SET status = 'succeeded',
		    result = $1,
		    finished_at = $2,
		    locked_by = '',
		    locked_at = NULL,
		    last_error_code = '',
		    last_error_message = '',
		    last_error_payload = '{}',
		    updated_at = $2
		WHERE id = $3
	`
	if _, err := tx.ExecContext(ctx, query, task.JSONMap(result), now, t.ID); err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}

	attempt := &task.Attempt{
		TaskID:        t.ID,
		AttemptNumber: t.Attempts,
		Status:        task.StatusSucceeded,
		DurationMs:    durationMs(startedAt, now),
	}
	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	t.Status = task.StatusSucceeded
	t.Result = result
	t.FinishedAt = &now
	t.LockedBy = ""
	t.LockedAt = nil
	t.LastErrorCode = ""
	t.LastErrorMessage = ""
	t.LastErrorPayload = task.JSONMap{}
	t.UpdatedAt = now

	return nil
}

// MarkForRetry requeues the task with a backoff delay and appends the failed
// attempt row carrying the next-eligible time.
func (s *TaskStore) MarkForRetry(ctx context.Context, t *task.Task, code, message string, payload map[string]any, retryIn *time.Duration) error {
	now := s.now()
	startedAt := t.StartedAt
	availableAt := now.Add(t.RetryDelay(retryIn))
	if payload == nil {
		payload = map[string]any{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE tasks
		SET status = 'queued',
		    available_at = $1,
		    locked_at = NULL,
		    locked_by = '',
		    started_at = NULL,
		    finished_at = NULL,
		    last_error_code = $2,
		    last_error_message = $3,
		    last_error_payload = $4,
		    updated_at = $5
		WHERE id = $6
	`
	if _, err := tx.ExecContext(ctx, query, availableAt, code, message, task.JSONMap(payload), now, t.ID); err != nil {
		return fmt.Errorf("failed to mark task for retry: %w", err)
	}

	attempt := &task.Attempt{
		TaskID:        t.ID,
		AttemptNumber: t.Attempts,
		Status:        task.StatusFailed,
		ErrorCode:     code,
		ErrorMessage:  message,
		ErrorPayload:  payload,
		DurationMs:    durationMs(startedAt, now),
		WillRetry:     true,
		AvailableAt:   &availableAt,
	}
	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	t.Status = task.StatusQueued
	t.AvailableAt = availableAt
	t.LockedAt = nil
	t.LockedBy = ""
	t.StartedAt = nil
	t.FinishedAt = nil
	t.LastErrorCode = code
	t.LastErrorMessage = message
	t.LastErrorPayload = payload
	t.UpdatedAt = now

	return nil
}

// MarkFailed finishes the task in the terminal failed state and appends the
// failed attempt row.
func (s *TaskStore) MarkFailed(ctx context.Context, t *task.Task, code, message string, payload map[string]any) error {
	now := s.now()
	startedAt := t.StartedAt
	if payload == nil {
		payload = map[string]any{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE tasks
		SET status = 'failed',
		    finished_at = $1,
		    locked_by = '',
		    locked_at = NULL,
		    last_error_code = $2,
		    last_error_message = $3,
		    last_error_payload = $4,
		    updated_at = $1
		WHERE id = $5
	`
	if _, err := tx.ExecContext(ctx, query, now, code, message, task.JSONMap(payload), t.ID); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}

	attempt := &task.Attempt{
		TaskID:        t.ID,
		AttemptNumber: t.Attempts,
		Status:        task.StatusFailed,
		ErrorCode:     code,
		ErrorMessage:  message,
		ErrorPayload:  payload,
		DurationMs:    durationMs(startedAt, now),
	}
	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	t.Status = task.StatusFailed
	t.FinishedAt = &now
	t.LockedBy = ""
	t.LockedAt = nil
	t.LastErrorCode = code
	t.LastErrorMessage = message
	t.LastErrorPayload = payload
	t.UpdatedAt = now

	return nil
}

// Cancel moves a queued or running task to cancelled. It is an administrative
// action outside the runner's control path; a worker already executing the
// task will still attempt a terminal transition, and the last write wins.
func (s *TaskStore) Cancel(ctx context.Context, id int64) (bool, error) {
	now := s.now()

	query := `
		UPDATE tasks
		SET status = 'cancelled',
		    finished_at = $1,
		    locked_at = NULL,
		    locked_by = '',
		    updated_at = $1
		WHERE id = $2
			AND status IN ('queued', 'running')
	`
	res, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// GetTask fetches one task by id.
func (s *TaskStore) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}

	return t, nil
}

// ListAttempts returns the audit trail of a task in execution order.
func (s *TaskStore) ListAttempts(ctx context.Context, taskID int64) ([]*task.Attempt, error) {
	query := `
		SELECT id, task_id, attempt_number, status, error_code, error_message,
		       error_payload, duration_ms, will_retry, available_at, created_at
		FROM task_attempts
		WHERE task_id = $1
		ORDER BY attempt_number, id
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*task.Attempt
	for rows.Next() {
		var a task.Attempt
		var availableAt sql.NullTime
		if err := rows.Scan(
			&a.ID,
			&a.TaskID,
			&a.AttemptNumber,
			&a.Status,
			&a.ErrorCode,
			&a.ErrorMessage,
			&a.ErrorPayload,
			&a.DurationMs,
			&a.WillRetry,
			&availableAt,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		if availableAt.Valid {
			a.AvailableAt = &availableAt.Time
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

// QueuedCount returns the number of queued tasks on the queue.
func (s *TaskStore) QueuedCount(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM tasks WHERE queue = $1 AND status = 'queued'`,
		queue,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued tasks: %w", err)
	}

	return count, nil
}

// StatusCounts returns the number of tasks per queue and status.
func (s *TaskStore) StatusCounts(ctx context.Context) (map[string]map[task.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT queue, status, COUNT(*) FROM tasks GROUP BY queue, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]map[task.TaskStatus]int64)
	for rows.Next() {
		var queue string
		var status task.TaskStatus
		var count int64
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, err
		}
		if counts[queue] == nil {
			counts[queue] = make(map[task.TaskStatus]int64)
		}
		counts[queue][status] = count
	}

	return counts, rows.Err()
}

// ListRecentFinished returns the most recently finished tasks, newest first.
func (s *TaskStore) ListRecentFinished(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// PruneFinished deletes succeeded and cancelled tasks older than the retention
// window, and failed tasks older than the window beyond the keepFailed most
// recent ones. Running and queued rows are never touched; attempt rows cascade.
func (s *TaskStore) PruneFinished(ctx context.Context, retention time.Duration, keepFailed int) (int64, error) {
	cutoff := s.now().Add(-retention)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completed := `
		DELETE FROM tasks
		WHERE status IN ('succeeded', 'cancelled')
			AND updated_at < $1
	`
	res, err := tx.ExecContext(ctx, completed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune finished tasks: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	failed := `
		DELETE FROM tasks
		WHERE status = 'failed'
			AND updated_at < $1
			AND id NOT IN (
				SELECT id FROM tasks WHERE status = 'failed' ORDER BY id DESC LIMIT $2
			)
	`
	res, err = tx.ExecContext(ctx, failed, cutoff, keepFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed tasks: %w", err)
	}
	failedDeleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	return deleted + failedDeleted, nil
}

// DB exposes the underlying handle for callers that need raw access, such as
// migrations.
func (s *TaskStore) DB() *sql.DB {
	return s.db
}

func (s *TaskStore) Close() error {
	return s.db.Close()
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a *task.Attempt) error {
	query := `
		INSERT INTO task_attempts (
			task_id, attempt_number, status, error_code, error_message,
			error_payload, duration_ms, will_retry, available_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var availableAt any
	if a.AvailableAt != nil {
		availableAt = *a.AvailableAt
	}

	_, err := tx.ExecContext(
		ctx,
		query,
		a.TaskID,
		a.AttemptNumber,
		a.Status,
		a.ErrorCode,
		a.ErrorMessage,
		a.ErrorPayload,
		a.DurationMs,
		a.WillRetry,
		availableAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log attempt: %w", err)
	}

	return nil
}

func durationMs(startedAt *time.Time, finishedAt time.Time) int64 {
	if startedAt == nil {
		return 0
	}
	ms := finishedAt.Sub(*startedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var lockedAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.Queue,
		&t.Status,
		&t.Priority,
		&t.Payload,
		&t.Result,
		&t.Attempts,
		&t.MaxAttempts,
		&t.AvailableAt,
		&lockedAt,
		&t.LockedBy,
		&startedAt,
		&finishedAt,
		&t.LastErrorCode,
		&t.LastErrorMessage,
		&t.LastErrorPayload,
		&t.BaseRetryDelay,
		&t.MaxRetryDelay,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}
