// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for wsrelay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wsrelay.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	HandshakeFailures  *prometheus.CounterVec

	// Upstream metrics
	UpstreamDials        *prometheus.CounterVec
	UpstreamDialDuration prometheus.Histogram
	CircuitBreakerState  *prometheus.GaugeVec
	CircuitBreakerTrips  *prometheus.CounterVec

	// Frame metrics
	FramesRelayed  *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	BufferedFrames prometheus.Histogram

	// Rate limiter metrics
	RateLimitedUpgrades prometheus.Counter

	// Resource metrics
	GoroutinesActive prometheus.Gauge
}

// New creates a new Metrics instance registered on reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsrelay"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of client connections by state",
			},
			[]string{"state"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections by outcome",
			},
			[]string{"outcome"},
		),
		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Client connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
		),
		HandshakeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total number of rejected handshakes by reason",
			},
			[]string{"reason"},
		),
		UpstreamDials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_dials_total",
				Help:      "Total number of upstream connection attempts by result",
			},
			[]string{"result"},
		),
		UpstreamDialDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_dial_duration_seconds",
				Help:      "Time to open the upstream connection in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"upstream"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"upstream"},
		),
		FramesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_relayed_total",
				Help:      "Total number of frames forwarded by direction",
			},
			[]string{"direction"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of frames not forwarded by direction and reason",
			},
			[]string{"direction", "reason"},
		),
		BufferedFrames: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "buffered_frames",
				Help:      "Frames buffered before the upstream connection opened",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		RateLimitedUpgrades: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_upgrades_total",
				Help:      "Total number of upgrade requests rejected by the rate limiter",
			},
		),
		GoroutinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
		),
	}
}

// ObserveDial records an upstream dial attempt.
func (m *Metrics) ObserveDial(start time.Time, err error) {
	m.UpstreamDialDuration.Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	m.UpstreamDials.WithLabelValues(result).Inc()
}

// ObserveConnection records the end of a client connection.
func (m *Metrics) ObserveConnection(start time.Time, outcome string) {
	m.ConnectionDuration.Observe(time.Since(start).Seconds())
	m.TotalConnections.WithLabelValues(outcome).Inc()
}
