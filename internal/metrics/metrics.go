// Package metrics exposes the Prometheus metrics of the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Kinds of created backups.
const (
	KindReal   = "real"
	KindLinked = "linked"
)

var (
	backupsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gorsync_backups_created_total",
		Help: "Total number of backups created, by interval and data kind",
	}, []string{"task", "interval", "kind"})

	backupsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gorsync_backups_expired_total",
		Help: "Total number of backups removed by retention",
	}, []string{"task", "interval"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gorsync_transfer_duration_seconds",
		Help:    "Duration of rsync transfers in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"task"})

	transferFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gorsync_transfer_failures_total",
		Help: "Total number of failed rsync transfers",
	}, []string{"task"})

	// taskState is 0 stopped, 1 active, 2 working, 3 paused.
	taskState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gorsync_task_state",
		Help: "Current controller state of a task",
	}, []string{"task"})

	knownBackups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gorsync_known_backups",
		Help: "Number of finished backups a task currently tracks",
	}, []string{"task"})
)

// RecordBackupCreated counts a new backup.
func RecordBackupCreated(task, interval, kind string) {
	backupsCreated.WithLabelValues(task, interval, kind).Inc()
}

// RecordBackupExpired counts a retired backup.
func RecordBackupExpired(task, interval string) {
	backupsExpired.WithLabelValues(task, interval).Inc()
}

// ObserveTransfer records a transfer and whether it failed.
func ObserveTransfer(task string, seconds float64, failed bool) {
	transferDuration.WithLabelValues(task).Observe(seconds)
	if failed {
		transferFailures.WithLabelValues(task).Inc()
	}
}

// SetTaskState publishes the controller state of a task.
func SetTaskState(task string, state int) {
	taskState.WithLabelValues(task).Set(float64(state))
}

// SetKnownBackups publishes the number of backups a task tracks.
func SetKnownBackups(task string, n int) {
	knownBackups.WithLabelValues(task).Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
