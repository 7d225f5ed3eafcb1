// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	NotificationsComposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_composed_total",
			Help: "Total number of notifications composed and persisted",
		},
		[]string{"type"},
	)

	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Total number of outbound channel sends by outcome",
		},
		[]string{"channel", "status"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_cache_hits_total",
			Help: "Total number of cache hits by cache kind",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_cache_misses_total",
			Help: "Total number of cache misses by cache kind",
		},
		[]string{"cache"},
	)

	CacheFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_cache_failures_total",
			Help: "Total number of failed cache operations by operation",
		},
		[]string{"operation"},
	)

	UnreadRecomputes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unread_counter_recomputes_total",
			Help: "Total number of unread counter recomputes from the durable store",
		},
	)

	ComposeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notification_compose_duration_seconds",
			Help: "Duration of the compose pipeline in seconds",
		},
		[]string{"type"},
	)

	NotificationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_purged_total",
			Help: "Total number of read notifications removed by retention sweeps",
		},
	)
)
