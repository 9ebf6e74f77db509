// Package metrics holds the Prometheus collectors of one orchestrator
// instance. Collectors live on a private registry so that parallel runs in
// one process (tests, mostly) never share counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rnaflow"

// Metrics is the set of collectors exported by one process.
type Metrics struct {
	Registry *prometheus.Registry

	StageDispatch *prometheus.CounterVec
	StageResult   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	SampleOutcome *prometheus.CounterVec

	CoresInUse  prometheus.Gauge
	MemoryInUse prometheus.Gauge
	DiskInUse   prometheus.Gauge
	SlotsInUse  prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StageDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "dispatch_total",
			Help:      "The number of stage attempts dispatched",
		}, []string{"stage"}),
		StageResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "result_total",
			Help:      "The number of finished stage attempts by result",
		}, []string{"stage", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Wall time of stage attempts",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
		SampleOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sample",
			Name:      "outcome_total",
			Help:      "The number of samples that reached a terminal outcome",
		}, []string{"outcome"}),
		CoresInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "cores_in_use",
			Help:      "Cores held by admitted stages",
		}),
		MemoryInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_in_use_bytes",
			Help:      "Memory held by admitted stages",
		}),
		DiskInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "disk_in_use_bytes",
			Help:      "Scratch disk held by admitted stages",
		}),
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "slots_in_use",
			Help:      "Worker slots held by admitted stages",
		}),
	}
	m.Registry.MustRegister(
		m.StageDispatch,
		m.StageResult,
		m.StageDuration,
		m.SampleOutcome,
		m.CoresInUse,
		m.MemoryInUse,
		m.DiskInUse,
		m.SlotsInUse,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// StageStarted counts one dispatched attempt. Safe on a nil Metrics.
func (m *Metrics) StageStarted(stage string) {
	if m == nil {
		return
	}
	m.StageDispatch.WithLabelValues(stage).Inc()
}

// StageFinished counts one finished attempt and records its wall time.
func (m *Metrics) StageFinished(stage, result string, wall time.Duration) {
	if m == nil {
		return
	}
	m.StageResult.WithLabelValues(stage, result).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(wall.Seconds())
}

// SampleFinished counts one sample outcome.
func (m *Metrics) SampleFinished(outcome string) {
	if m == nil {
		return
	}
	m.SampleOutcome.WithLabelValues(outcome).Inc()
}
