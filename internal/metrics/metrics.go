// Package metrics provides Prometheus metrics for monitoring the task status store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskstatus_store_operations_total",
			Help: "Total number of task store operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskstatus_store_operation_duration_seconds",
			Help:    "Task store operation duration in seconds, retries included",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstatus_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)
	DuplicateRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstatus_duplicate_requests_total",
			Help: "Total number of creates redirected to an existing task by request id",
		},
	)
	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskstatus_tasks_running",
			Help: "Current number of tasks whose latest state is STARTED",
		},
		[]string{"scope"},
	)
	CleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstatus_cleanup_deleted_total",
			Help: "Total number of terminal tasks deleted by the cleanup agent",
		},
	)
	CleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskstatus_cleanup_duration_seconds",
			Help:    "Duration of cleanup sweeps that deleted tasks",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstatus_cleanup_failures_total",
			Help: "Total number of failed cleanup sweeps",
		},
	)
	CleanupSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskstatus_cleanup_skipped_total",
			Help: "Total number of cleanup ticks skipped because another instance held the lease",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskstatus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskstatus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordStoreOperation(operation string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	StoreOperations.WithLabelValues(operation, outcome).Inc()
	StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordTaskCreated() {
	TasksCreated.Inc()
}

func RecordDuplicateRequest() {
	DuplicateRequests.Inc()
}

func UpdateRunningTasks(all, local int) {
	TasksRunning.WithLabelValues("all").Set(float64(all))
	TasksRunning.WithLabelValues("local").Set(float64(local))
}

func RecordCleanup(deleted int, duration time.Duration) {
	CleanupDeleted.Add(float64(deleted))
	CleanupDuration.Observe(duration.Seconds())
}

func RecordCleanupFailure() {
	CleanupFailures.Inc()
}

func RecordCleanupSkipped() {
	CleanupSkipped.Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
