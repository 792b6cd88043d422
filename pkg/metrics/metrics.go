// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the device tunnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tunnel.
type Metrics struct {
	// Session metrics
	SessionUp     prometheus.Gauge
	SessionsTotal *prometheus.CounterVec

	// Logical connection metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	BuildDuration     *prometheus.HistogramVec

	// Frame metrics
	FramesTotal  *prometheus.CounterVec
	FrameErrors  *prometheus.CounterVec
	PayloadBytes *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedOpens prometheus.Counter
}

// New creates a new Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	return NewWith(prometheus.DefaultRegisterer, namespace)
}

// NewWith creates a new Metrics instance on the given registerer.
func NewWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "dtunnel"
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_up",
				Help:      "Whether the outer tunnel session is established (1) or not (0)",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of outer session attempts",
			},
			[]string{"status"},
		),
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active logical connections",
			},
			[]string{"protocol"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of logical connection attempts",
			},
			[]string{"protocol", "status"},
		),
		BuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Time to turn a first request into a live local connection",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of wire frames by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		FrameErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_errors_total",
				Help:      "Total number of discarded or failed frames",
			},
			[]string{"error_type"},
		),
		PayloadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payload_bytes_total",
				Help:      "Forwarded payload bytes by direction",
			},
			[]string{"direction"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"target"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"target"},
		),
		RateLimitedOpens: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_opens_total",
				Help:      "Connection-open attempts rejected by the rate limiter",
			},
		),
	}
}
