package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compaction metrics, registered once against the default registry via
// promauto. Compact is the first code path in this engine that needs
// engine-level observability.
var (
	compactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsmwriter_compactions_total",
		Help: "Number of Compact calls, partitioned by outcome.",
	}, []string{"table", "outcome"})

	compactionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lsmwriter_compaction_duration_seconds",
		Help:    "Wall-clock duration of a Compact call.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	compactionBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsmwriter_compaction_bytes_written_total",
		Help: "Document bytes written to a table's new heap during compaction.",
	}, []string{"table"})

	deferredTombstonesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsmwriter_deferred_tombstones_emitted_total",
		Help: "Deferred-delete triggers fired against a table's secondary indices.",
	}, []string{"table"})
)
