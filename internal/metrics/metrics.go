// Package metrics provides Prometheus metrics for monitoring the task queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"queue"},
	)
	TasksReserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_reserved_total",
			Help: "Total number of task reservations made by workers",
		},
		[]string{"queue"},
	)
	TasksSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		},
		[]string{"queue"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_retried_total",
			Help: "Total number of failed attempts that were requeued",
		},
		[]string{"queue"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_failed_total",
			Help: "Total number of tasks that failed permanently",
		},
		[]string{"queue"},
	)
	TasksRevived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_tasks_revived_total",
			Help: "Total number of stale running tasks returned to the queue",
		},
		[]string{"queue"},
	)
	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_handler_panics_total",
			Help: "Total number of panics recovered from task handlers",
		},
		[]string{"queue"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskq_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue", "status"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskq_queue_depth",
			Help: "Current number of queued tasks per queue",
		},
		[]string{"queue"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskq_tasks_by_status",
			Help: "Current number of tasks per queue and status",
		},
		[]string{"queue", "status"},
	)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskq_http_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskEnqueued(queue string) {
	TasksEnqueued.WithLabelValues(queue).Inc()
}

func RecordTasksReserved(queue string, count int) {
	TasksReserved.WithLabelValues(queue).Add(float64(count))
}

func RecordTaskSucceeded(queue string, duration time.Duration) {
	TasksSucceeded.WithLabelValues(queue).Inc()
	TaskDuration.WithLabelValues(queue, "succeeded").Observe(duration.Seconds())
}

func RecordTaskRetried(queue string, duration time.Duration) {
	TasksRetried.WithLabelValues(queue).Inc()
	TaskDuration.WithLabelValues(queue, "retried").Observe(duration.Seconds())
}

func RecordTaskFailed(queue string, duration time.Duration) {
	TasksFailed.WithLabelValues(queue).Inc()
	TaskDuration.WithLabelValues(queue, "failed").Observe(duration.Seconds())
}

func RecordTasksRevived(queue string, count int64) {
	TasksRevived.WithLabelValues(queue).Add(float64(count))
}

func RecordHandlerPanic(queue string) {
	HandlerPanics.WithLabelValues(queue).Inc()
}

func UpdateQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func UpdateTasksByStatus(queue, status string, count int64) {
	TasksByStatus.WithLabelValues(queue, status).Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	HTTPDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
