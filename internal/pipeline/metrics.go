package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gate pipeline
type Metrics struct {
	// Run-level metrics
	RunTotal    *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Gate-level metrics
	GateDuration *prometheus.HistogramVec
	GateFailures *prometheus.CounterVec

	// Regeneration metrics
	Regenerations prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RunTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_run_total",
				Help: "Total pipeline runs by outcome and stance",
			},
			[]string{"status", "stance"}, // status: success, await_ack, stopped, degraded, redirect, error
		),

		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_run_duration_seconds",
				Help:    "End-to-end pipeline run duration",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"status"},
		),

		GateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_gate_duration_seconds",
				Help:    "Per-gate execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gate"},
		),

		GateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_gate_failures_total",
				Help: "Gate soft and hard failures",
			},
			[]string{"gate", "status"}, // status: soft_fail, hard_fail
		),

		Regenerations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_regenerations",
				Help:    "Regeneration count per run",
				Buckets: []float64{0, 1, 2},
			},
		),
	}
}

// RecordRun records a completed pipeline run
func (m *Metrics) RecordRun(status, stance string, duration time.Duration, regenerations int) {
	if stance == "" {
		stance = "none"
	}
	m.RunTotal.WithLabelValues(status, stance).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.Regenerations.Observe(float64(regenerations))
}

// RecordGate records one gate execution
func (m *Metrics) RecordGate(gate, status string, duration time.Duration) {
	m.GateDuration.WithLabelValues(gate).Observe(duration.Seconds())
	if status == StatusSoftFail || status == StatusHardFail {
		m.GateFailures.WithLabelValues(gate, status).Inc()
	}
}
