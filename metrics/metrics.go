// Package metrics exposes Prometheus instrumentation for the storage
// adapters. Collectors register on the default registry; serve them with
// promhttp in the embedding process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragstore_operations_total",
		Help: "Storage operations attempted, by store and operation.",
	}, []string{"store", "op"})

	operationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragstore_operation_errors_total",
		Help: "Storage operations that returned an error.",
	}, []string{"store", "op"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragstore_operation_duration_seconds",
		Help:    "Storage operation latency, including backend round-trips.",
		Buckets: prometheus.DefBuckets,
	}, []string{"store", "op"})

	degradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragstore_degradations_total",
		Help: "Degraded-path activations (scoring fallback, collection recreate, hash column mapping, cached size served).",
	}, []string{"store", "reason"})
)

// ObserveOp records one completed operation. Use with defer:
//
//	defer func(start time.Time) { metrics.ObserveOp("graph.neo4j", "upsert_node", start, err) }(time.Now())
func ObserveOp(store, op string, start time.Time, err error) {
	operations.WithLabelValues(store, op).Inc()
	operationDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
	if err != nil {
		operationErrors.WithLabelValues(store, op).Inc()
	}
}

// ObserveDegradation records one activation of a degraded path.
func ObserveDegradation(store, reason string) {
	degradations.WithLabelValues(store, reason).Inc()
}
