package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the worker's operator-facing counters. Degraded-mode events
// (cache unreachable, profile fallback) surface in logs; these counters track
// throughput and failure volume.
type Metrics struct {
	TasksConsumed prometheus.Counter
	TasksAcked    prometheus.Counter
	TasksFailed   prometheus.Counter
	SetsPersisted prometheus.Counter
	SetsDropped   prometheus.Counter
	BatchFlushes  prometheus.Counter
}

// NewMetrics registers the worker counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_tasks_consumed_total",
			Help: "Tasks pulled from the ingestion queue.",
		}),
		TasksAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_tasks_acknowledged_total",
			Help: "Tasks acknowledged after successful processing or flush.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_tasks_failed_total",
			Help: "Tasks marked failed and left for redelivery.",
		}),
		SetsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_measurement_sets_persisted_total",
			Help: "Measurement sets written to the time-series store.",
		}),
		SetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_measurement_sets_dropped_total",
			Help: "Measurement sets dropped by governance (throttle or filtering).",
		}),
		BatchFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_worker_batch_flushes_total",
			Help: "Batch flush operations, including final flushes on shutdown.",
		}),
	}
}
