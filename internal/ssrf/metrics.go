package ssrf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level: guards are constructed freely (one per test), series are
// per-process.
var decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ssrf_decisions_total",
		Help: "Egress decisions by outcome and denial reason",
	},
	[]string{"outcome", "reason"}, // outcome: allowed, denied; reason "" when allowed
)
