// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_enqueued_total",
			Help: "Total number of task messages published to the broker",
		},
		[]string{"queue", "task"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_completed_total",
			Help: "Total number of tasks completed by the worker pool",
		},
		[]string{"task"},
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
		[]string{"task", "error_code"},
	)

	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"task"},
	)

	TasksDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to a dead-letter list",
		},
		[]string{"queue", "task"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "taskqueue_task_duration_seconds",
			Help: "Duration of task processing in seconds",
		},
		[]string{"task"},
	)

	TasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskqueue_tasks_active",
			Help: "Number of tasks currently executing",
		},
		[]string{"queue"},
	)

	BeatEntriesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_beat_entries_dispatched_total",
			Help: "Total number of periodic entries dispatched by the beat scheduler",
		},
		[]string{"entry"},
	)
)
