package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for block scheduling.
var (
	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_blocks_total",
		Help: "Total number of blocks by result (settled, fatal, interrupted, exhausted)",
	}, []string{"result"})

	blockAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_block_attempts",
		Help:    "Dispatch attempts needed to settle a block",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})

	blockBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_block_backoff_seconds",
		Help:    "Backoff duration before re-dispatching the pending members of a block",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	slotsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_slots_failed_total",
		Help: "Total number of slots that failed fatally and were not dispatched again",
	})

	workersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_workers_total",
		Help: "Total number of section workers by result",
	}, []string{"result"})
)
