// Package metrics exposes the mining loop and supervisor's telemetry,
// modeled one-for-one on the teacher's Namespace/Subsystem/Name convention
// (internal/metrics/metrics.go) but renamed onto this system's domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MiningTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "mining",
		Name:      "ticks_total",
		Help:      "Total mining loop ticks attempted.",
	})

	MiningTicksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "mining",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped, partitioned by reason (pacing, reentrant, circuit_open).",
	}, []string{"reason"})

	MiningTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "processor",
		Subsystem: "mining",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of a completed mining tick.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	MiningFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "mining",
		Name:      "failures_total",
		Help:      "Total abort_mining invocations.",
	})

	MiningConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "processor",
		Subsystem: "mining",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure streak.",
	})

	BlocksEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "block",
		Name:      "emitted_total",
		Help:      "Total blocks appended.",
	})

	BlockTransactionCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "processor",
		Subsystem: "block",
		Name:      "transaction_count",
		Help:      "Number of transactions packed into an emitted block.",
		Buckets:   []float64{0, 1, 5, 25, 100, 250, 500},
	})

	BlockSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "processor",
		Subsystem: "block",
		Name:      "size_bytes",
		Help:      "Packed size in bytes of an emitted block.",
		Buckets:   []float64{1024, 8192, 65536, 262144, 524288, 900000},
	})

	ContractExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "contract",
		Name:      "executions_total",
		Help:      "Contract executions by outcome (accepted, rejected, v1_rejected, invalid, retry).",
	}, []string{"outcome"})

	WorkerMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "processor",
		Subsystem: "worker",
		Name:      "memory_mb",
		Help:      "Worker resident memory, as last reported to the supervisor.",
	})

	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processor",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total worker restarts, partitioned by cause.",
	}, []string{"cause"})
)
