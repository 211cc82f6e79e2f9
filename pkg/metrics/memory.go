package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/memlayer/pkg/memory"
)

var _ memory.Recorder = (*Manager)(nil)

func (m *Manager) initMemoryMetrics(cfg Config) {
	m.memoryOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_operations_total",
			Help: "Total number of memory store operations by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	m.memoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memory_operation_duration_seconds",
			Help:    "Memory store operation duration in seconds",
			Buckets: cfg.MemoryDurationBuckets,
		},
		[]string{"backend", "op"},
	)

	m.memoryExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_expired_entries_total",
			Help: "Total number of expired entries removed by backend",
		},
		[]string{"backend"},
	)

	m.memorySecondaryFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_secondary_failures_total",
			Help: "Total number of swallowed secondary store failures by backend and operation",
		},
		[]string{"backend", "op"},
	)

	m.registry.MustRegister(m.memoryOperations)
	m.registry.MustRegister(m.memoryDuration)
	m.registry.MustRegister(m.memoryExpired)
	m.registry.MustRegister(m.memorySecondaryFails)
}

// RecordOperation records one store operation.
func (m *Manager) RecordOperation(backend, op, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.memoryOperations.WithLabelValues(backend, op, status).Inc()
	m.memoryDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordExpired adds count to the expired entries removed from backend.
func (m *Manager) RecordExpired(backend string, count int) {
	if !m.enabled || count <= 0 {
		return
	}
	m.memoryExpired.WithLabelValues(backend).Add(float64(count))
}

// RecordSecondaryFailure records a secondary failure swallowed by a composite store.
func (m *Manager) RecordSecondaryFailure(backend, op string) {
	if !m.enabled {
		return
	}
	m.memorySecondaryFails.WithLabelValues(backend, op).Inc()
}

func (m *Manager) initSweepMetrics(cfg Config) {
	m.sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_sweeps_total",
			Help: "Total number of expiry sweeps by outcome",
		},
		[]string{"success"},
	)

	m.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memory_sweep_duration_seconds",
			Help:    "Expiry sweep duration in seconds",
			Buckets: cfg.SweepDurationBuckets,
		},
	)

	m.registry.MustRegister(m.sweepRuns)
	m.registry.MustRegister(m.sweepDuration)
}

// RecordSweep records one pass of the expiry sweeper.
func (m *Manager) RecordSweep(success bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sweepRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.sweepDuration.Observe(duration.Seconds())
}
