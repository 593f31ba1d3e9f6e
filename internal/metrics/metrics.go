// Package metrics holds the Prometheus instrumentation for the ingestion
// pipeline. Initialize once at startup via New(); all operations are
// thread-safe via Prometheus's internal locking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "openflock"

// Pipeline bundles every metric the pipeline components record into.
type Pipeline struct {
	ConnectionsActive  *prometheus.GaugeVec   // role: agent|viewer
	AdmissionsRejected *prometheus.CounterVec // reason
	SlowHandlers       prometheus.Counter

	PointsBuffered       prometheus.Counter
	FlushesTotal         prometheus.Counter
	FlushErrors          prometheus.Counter
	RowsFlushed          prometheus.Counter
	FlushSeconds         prometheus.Histogram
	BacklogSize          prometheus.Gauge
	BackpressureWarnings prometheus.Counter

	QueuePublished  prometheus.Counter
	QueueFallbacks  prometheus.Counter
	QueueConsumed   prometheus.Counter
	QueueReconnects prometheus.Counter
	QueueStreamLen  prometheus.Gauge

	CleanupRuns        prometheus.Counter
	CleanupRowsDeleted *prometheus.CounterVec // table
	CleanupErrors      *prometheus.CounterVec // phase
	DiskFreeBytes      prometheus.Gauge
	DiskPanics         prometheus.Counter
}

// New registers the pipeline metrics on reg and returns them. Tests pass
// their own registry to avoid global-registry collisions.
func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections_active",
			Help: "Currently registered connections by role",
		}, []string{"role"}),
		AdmissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "admissions_rejected_total",
			Help: "Connections rejected at admission by reason",
		}, []string{"reason"}),
		SlowHandlers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "slow_handlers_total",
			Help: "Message handlers exceeding the slow-handler threshold",
		}),

		PointsBuffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "points_total",
			Help: "Metric points accepted by the write buffer",
		}),
		FlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "flushes_total",
			Help: "Buffer flush attempts",
		}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "flush_errors_total",
			Help: "Buffer flushes that failed and were re-queued",
		}),
		RowsFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "rows_flushed_total",
			Help: "Rows written to storage by flushes",
		}),
		FlushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "flush_seconds",
			Help:    "Wall-clock duration of buffer flushes",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15},
		}),
		BacklogSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "backlog_points",
			Help: "Points currently pending flush",
		}),
		BackpressureWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "backpressure_warnings_total",
			Help: "Times the backlog exceeded the backpressure threshold",
		}),

		QueuePublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "published_total",
			Help: "Batches appended to the durable stream",
		}),
		QueueFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "fallbacks_total",
			Help: "Publishes that fell back to the buffered write path",
		}),
		QueueConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "consumed_total",
			Help: "Messages consumed and acknowledged",
		}),
		QueueReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "reconnects_total",
			Help: "Reconnection attempts to the stream service",
		}),
		QueueStreamLen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "stream_length",
			Help: "Entries currently in the durable stream",
		}),

		CleanupRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "runs_total",
			Help: "Completed cleanup passes",
		}),
		CleanupRowsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "rows_deleted_total",
			Help: "Rows deleted by cleanup, per table",
		}, []string{"table"}),
		CleanupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "errors_total",
			Help: "Cleanup failures by phase",
		}, []string{"phase"}),
		DiskFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retention", Name: "disk_free_bytes",
			Help: "Free bytes on the data filesystem at last check",
		}),
		DiskPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "disk_panics_total",
			Help: "Disk-space panic conditions raised",
		}),
	}
}
