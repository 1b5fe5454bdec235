// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WritesTotal tracks write-pipeline outcomes by operation and status
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "writes",
			Name:      "total",
			Help:      "Total number of write operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// ValidationRejections tracks hard validation failures by field
	ValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "validation",
			Name:      "rejections_total",
			Help:      "Total number of records rejected by validation, by field",
		},
		[]string{"field"},
	)

	// DerivedValueWarnings tracks advisory yield mismatches
	DerivedValueWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "validation",
			Name:      "derived_value_warnings_total",
			Help:      "Total number of yield values outside the tolerance of production/area",
		},
	)

	// ConflictsTotal tracks unique-key collisions by operation
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "writes",
			Name:      "conflicts_total",
			Help:      "Total number of unique-key conflicts by operation",
		},
		[]string{"operation"},
	)

	// StorageOpDuration tracks storage adapter call latency
	StorageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Duration of storage adapter operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend", "op"},
	)

	// DimensionCacheHits tracks advisory dimension cache hits and misses
	DimensionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dimensions",
			Name:      "cache_total",
			Help:      "Dimension cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	// AuditEventsPublished tracks successfully published audit events
	AuditEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "audit",
			Name:      "events_published_total",
			Help:      "Total number of audit events published to Kafka",
		},
		[]string{"operation"},
	)

	// AuditEventFailures tracks failed audit event publishes
	AuditEventFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "audit",
			Name:      "event_failures_total",
			Help:      "Total number of audit events that failed to publish",
		},
		[]string{"operation"},
	)
)
