// Package metrics exposes the core's Prometheus collectors. The registry
// is handed to the external HTTP layer for exposition; nothing here opens
// a port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core updates.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth *prometheus.GaugeVec

	SyncMissedFound     prometheus.Counter
	SyncAddedToQueue    prometheus.Counter
	SyncFailedToEnqueue prometheus.Counter
	SyncDuration        prometheus.Histogram

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	NotificationsEmitted prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronoq_queue_depth",
			Help: "Dispatch queue depth by state.",
		}, []string{"state"}),
		SyncMissedFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronoq_sync_missed_jobs_found_total",
			Help: "Due jobs found by safety sync with no live dispatch.",
		}),
		SyncAddedToQueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronoq_sync_added_to_queue_total",
			Help: "Jobs re-enqueued by safety sync.",
		}),
		SyncFailedToEnqueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronoq_sync_failed_to_enqueue_total",
			Help: "Safety sync enqueue attempts that errored.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronoq_sync_duration_seconds",
			Help:    "Safety sync pass duration.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronoq_executions_total",
			Help: "Finished executions by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronoq_execution_duration_seconds",
			Help:    "Execution wall time.",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		NotificationsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronoq_notifications_emitted_total",
			Help: "Terminal-failure notifications emitted.",
		}),
	}
	reg.MustRegister(
		m.QueueDepth,
		m.SyncMissedFound, m.SyncAddedToQueue, m.SyncFailedToEnqueue, m.SyncDuration,
		m.ExecutionsTotal, m.ExecutionDuration,
		m.NotificationsEmitted,
	)
	return m
}

// ObserveQueue records queue depth gauges from a stats snapshot.
func (m *Metrics) ObserveQueue(delayed, waiting, active, completed, dead int64) {
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("completed").Set(float64(completed))
	m.QueueDepth.WithLabelValues("dead").Set(float64(dead))
}
