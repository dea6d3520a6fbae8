package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressline/taskq/internal/task"
)

var frozenNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupMockStore(t *testing.T) (*TaskStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := New(db)
	st.now = func() time.Time { return frozenNow }
	return st, mock
}

func taskColumnNames() []string {
	return []string{
		"id", "queue", "status", "priority", "payload", "result",
		"attempts", "max_attempts", "available_at", "locked_at", "locked_by",
		"started_at", "finished_at", "last_error_code", "last_error_message",
		"last_error_payload", "base_retry_delay", "max_retry_delay",
		"created_at", "updated_at",
	}
}

func queuedTaskRow(rows *sqlmock.Rows, id int64, queue string, attempts int) *sqlmock.Rows {
	return rows.AddRow(
		id, queue, "queued", 0, []byte(`{"value": 10}`), []byte(`{}`),
		attempts, 3, frozenNow.Add(-time.Minute), nil, "",
		nil, nil, "", "",
		[]byte(`{}`), 10, 3600,
		frozenNow.Add(-time.Hour), frozenNow.Add(-time.Minute),
	)
}

func TestCreateTask(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO tasks \( queue, status, priority, payload, result, attempts, max_attempts, available_at, base_retry_delay, max_retry_delay \)`).
		WithArgs("rewrite", "queued", 0, task.JSONMap{"story_id": 7}, task.JSONMap(nil), 0, 3, frozenNow, 20, 600).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), frozenNow, frozenNow))

	tk := &task.Task{
		Queue:          "rewrite",
		Payload:        task.JSONMap{"story_id": 7},
		MaxAttempts:    3,
		BaseRetryDelay: 20,
		MaxRetryDelay:  600,
	}
	require.NoError(t, st.CreateTask(ctx, tk))

	assert.Equal(t, int64(42), tk.ID)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, frozenNow, tk.AvailableAt, "available_at defaults to now")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveClaimsEligibleTasks(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(taskColumnNames())
	queuedTaskRow(rows, 1, "collector", 0)
	queuedTaskRow(rows, 2, "collector", 1)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM tasks WHERE queue = \$1 AND status = 'queued' AND available_at <= \$2 AND attempts < max_attempts ORDER BY priority, available_at, id LIMIT \$3 FOR UPDATE SKIP LOCKED`).
		WithArgs("collector", frozenNow, 5).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE tasks SET status = 'running', locked_by = \$1, locked_at = \$2, started_at = \$2, available_at = \$2, attempts = attempts \+ 1, updated_at = \$2 WHERE id = ANY\(\$3\)`).
		WithArgs("worker-1", frozenNow, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	reserved, err := st.Reserve(ctx, "collector", "worker-1", 5)
	require.NoError(t, err)
	require.Len(t, reserved, 2)

	first := reserved[0]
	assert.Equal(t, task.StatusRunning, first.Status)
	assert.Equal(t, "worker-1", first.LockedBy)
	assert.Equal(t, 1, first.Attempts, "reservation increments attempts")
	require.NotNil(t, first.LockedAt)
	assert.Equal(t, frozenNow, *first.LockedAt)
	require.NotNil(t, first.StartedAt)
	assert.Equal(t, 2, reserved[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveEmptyQueue(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("collector", frozenNow, 1).
		WillReturnRows(sqlmock.NewRows(taskColumnNames()))
	mock.ExpectCommit()

	reserved, err := st.Reserve(ctx, "collector", "worker-1", 1)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviveStale(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()

	cutoff := frozenNow.Add(-10 * time.Minute)
	mock.ExpectExec(`UPDATE tasks SET status = 'queued', locked_at = NULL, locked_by = '', started_at = NULL, available_at = \$1, updated_at = \$1 WHERE queue = \$2 AND status = 'running' AND locked_at < \$3`).
		WithArgs(frozenNow, "collector", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	revived, err := st.ReviveStale(ctx, "collector", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revived)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviveStaleZeroTimeout(t *testing.T) {
	st, mock := setupMockStore(t)

	revived, err := st.ReviveStale(context.Background(), "collector", 0)
	require.NoError(t, err)
	assert.Zero(t, revived, "non-positive timeout never touches the database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func runningTask(id int64, attempts int) *task.Task {
	started := frozenNow.Add(-5 * time.Second)
	locked := started
	return &task.Task{
		ID:             id,
		Queue:          "rewrite",
		Status:         task.StatusRunning,
		Attempts:       attempts,
		MaxAttempts:    3,
		BaseRetryDelay: 10,
		MaxRetryDelay:  3600,
		LockedBy:       "worker-1",
		LockedAt:       &locked,
		StartedAt:      &started,
	}
}

func TestMarkSucceeded(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()
	tk := runningTask(7, 1)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = 'succeeded', result = \$1,`).
		WithArgs(task.JSONMap{"result": 20}, frozenNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_attempts`).
		WithArgs(int64(7), 1, "succeeded", "", "", task.JSONMap(nil), int64(5000), false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, st.MarkSucceeded(ctx, tk, map[string]any{"result": 20}))

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, task.JSONMap{"result": 20}, tk.Result)
	assert.Empty(t, tk.LockedBy)
	assert.Nil(t, tk.LockedAt)
	require.NotNil(t, tk.FinishedAt)
	assert.Equal(t, frozenNow, *tk.FinishedAt)
	assert.Empty(t, tk.LastErrorCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkForRetryBackoffDelay(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()
	tk := runningTask(7, 1)

	// First failing attempt waits exactly base_retry_delay.
	availableAt := frozenNow.Add(10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = 'queued', available_at = \$1,`).
		WithArgs(availableAt, "LOOKUP_ERROR", "entity not found", task.JSONMap{"target": "chan"}, frozenNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_attempts`).
		WithArgs(int64(7), 1, "failed", "LOOKUP_ERROR", "entity not found", task.JSONMap{"target": "chan"}, int64(5000), true, availableAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.MarkForRetry(ctx, tk, "LOOKUP_ERROR", "entity not found", map[string]any{"target": "chan"}, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, availableAt, tk.AvailableAt)
	assert.Nil(t, tk.StartedAt)
	assert.Nil(t, tk.FinishedAt)
	assert.Equal(t, "LOOKUP_ERROR", tk.LastErrorCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkForRetryExplicitDelay(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()
	tk := runningTask(9, 2)

	retryIn := 90 * time.Second
	availableAt := frozenNow.Add(retryIn)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = 'queued', available_at = \$1,`).
		WithArgs(availableAt, "RATE_LIMITED", "slow down", task.JSONMap(nil), frozenNow, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_attempts`).
		WithArgs(int64(9), 2, "failed", "RATE_LIMITED", "slow down", task.JSONMap(nil), int64(5000), true, availableAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.MarkForRetry(ctx, tk, "RATE_LIMITED", "slow down", nil, &retryIn)
	require.NoError(t, err)
	assert.Equal(t, availableAt, tk.AvailableAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()
	tk := runningTask(11, 3)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = 'failed', finished_at = \$1,`).
		WithArgs(frozenNow, "STILL_FAIL", "gave up", task.JSONMap(nil), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_attempts`).
		WithArgs(int64(11), 3, "failed", "STILL_FAIL", "gave up", task.JSONMap(nil), int64(5000), false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, st.MarkFailed(ctx, tk, "STILL_FAIL", "gave up", nil))

	assert.Equal(t, task.StatusFailed, tk.Status)
	require.NotNil(t, tk.FinishedAt)
	assert.Empty(t, tk.LockedBy)
	assert.Equal(t, "STILL_FAIL", tk.LastErrorCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	st, mock := setupMockStore(t)
	ctx := context.Background()

	t.Run("cancels queued task", func(t *testing.T) {
		mock.ExpectExec(`UPDATE tasks SET status = 'cancelled',`).
			WithArgs(frozenNow, int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cancelled, err := st.Cancel(ctx, 5)
		require.NoError(t, err)
		assert.True(t, cancelled)
	})

	t.Run("terminal task is left alone", func(t *testing.T) {
		mock.ExpectExec(`UPDATE tasks SET status = 'cancelled',`).
			WithArgs(frozenNow, int64(6)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		cancelled, err := st.Cancel(ctx, 6)
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	st, mock := setupMockStore(t)

	rows := sqlmock.NewRows(taskColumnNames())
	queuedTaskRow(rows, 3, "publish", 0)
	mock.ExpectQuery(`SELECT (.+) FROM tasks WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	tk, err := st.GetTask(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tk.ID)
	assert.Equal(t, "publish", tk.Queue)
	assert.Equal(t, task.JSONMap{"value": float64(10)}, tk.Payload)
	assert.Nil(t, tk.LockedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttempts(t *testing.T) {
	st, mock := setupMockStore(t)

	next := frozenNow.Add(time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "attempt_number", "status", "error_code", "error_message",
		"error_payload", "duration_ms", "will_retry", "available_at", "created_at",
	}).
		AddRow(1, 7, 1, "failed", "LOOKUP_ERROR", "not found", []byte(`{}`), 120, true, next, frozenNow).
		AddRow(2, 7, 2, "succeeded", "", "", []byte(`{}`), 90, false, nil, frozenNow)

	mock.ExpectQuery(`SELECT (.+) FROM task_attempts WHERE task_id = \$1 ORDER BY attempt_number, id`).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	attempts, err := st.ListAttempts(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.True(t, attempts[0].WillRetry)
	require.NotNil(t, attempts[0].AvailableAt)
	assert.Equal(t, next, *attempts[0].AvailableAt)
	assert.Equal(t, task.StatusSucceeded, attempts[1].Status)
	assert.Nil(t, attempts[1].AvailableAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuedCount(t *testing.T) {
	st, mock := setupMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks WHERE queue = \$1 AND status = 'queued'`).
		WithArgs("rewrite").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := st.QueuedCount(context.Background(), "rewrite")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneFinished(t *testing.T) {
	st, mock := setupMockStore(t)

	cutoff := frozenNow.Add(-30 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tasks WHERE status IN \('succeeded', 'cancelled'\) AND updated_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(`DELETE FROM tasks WHERE status = 'failed' AND updated_at < \$1 AND id NOT IN`).
		WithArgs(cutoff, 200).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	deleted, err := st.PruneFinished(context.Background(), 30*24*time.Hour, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(15), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCounts(t *testing.T) {
	st, mock := setupMockStore(t)

	rows := sqlmock.NewRows([]string{"queue", "status", "count"}).
		AddRow("collector", "queued", 7).
		AddRow("collector", "running", 2).
		AddRow("publish", "failed", 1)

	mock.ExpectQuery(`SELECT queue, status, COUNT\(\*\) FROM tasks GROUP BY queue, status`).
		WillReturnRows(rows)

	counts, err := st.StatusCounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(7), counts["collector"][task.StatusQueued])
	assert.Equal(t, int64(2), counts["collector"][task.StatusRunning])
	assert.Equal(t, int64(1), counts["publish"][task.StatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentFinished(t *testing.T) {
	st, mock := setupMockStore(t)

	rows := sqlmock.NewRows(taskColumnNames()).AddRow(
		int64(9), "publish", "succeeded", 0, []byte(`{}`), []byte(`{"ok": true}`),
		1, 3, frozenNow.Add(-time.Hour), nil, "",
		frozenNow.Add(-time.Minute), frozenNow, "", "",
		[]byte(`{}`), 10, 3600,
		frozenNow.Add(-time.Hour), frozenNow,
	)

	mock.ExpectQuery(`SELECT (.+) FROM tasks WHERE finished_at IS NOT NULL ORDER BY finished_at DESC LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(rows)

	tasks, err := st.ListRecentFinished(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	assert.Equal(t, int64(9), tasks[0].ID)
	assert.Equal(t, task.StatusSucceeded, tasks[0].Status)
	require.NotNil(t, tasks[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
