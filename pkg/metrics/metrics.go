// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for Transit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "transit"

// Metrics holds all Prometheus metrics for Transit.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Login and plugin metrics
	Logins        *prometheus.CounterVec
	PluginFaults  *prometheus.CounterVec
	RateLimited   prometheus.Counter
	OnlinePlayers prometheus.Gauge

	// Backend metrics
	BackendDials        *prometheus.CounterVec
	BackendDialDuration prometheus.Histogram
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Relay metrics
	RelayedBytes *prometheus.CounterVec
	BufferLimit  *prometheus.CounterVec

	// Process metrics
	Reloads    *prometheus.CounterVec
	Goroutines prometheus.Gauge
}

// New registers every metric on reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of open client connections by state",
			},
			[]string{"state"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of closed client connections by final state",
			},
			[]string{"state"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connections closed by an error",
			},
			[]string{"kind"},
		),
		ConnectionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Client connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
		),
		Logins: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Total number of login decisions by result",
			},
			[]string{"result"},
		),
		PluginFaults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_faults_total",
				Help:      "Total number of failed plugin handler invocations",
			},
			[]string{"event", "plugin"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_logins_total",
				Help:      "Total number of logins kicked by the rate limiter",
			},
		),
		OnlinePlayers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online_players",
				Help:      "Number of distinct usernames currently logged in",
			},
		),
		BackendDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dials_total",
				Help:      "Total number of backend dials by status",
			},
			[]string{"backend", "status"},
		),
		BackendDialDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RelayedBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of bytes written to peers by direction",
			},
			[]string{"direction"},
		),
		BufferLimit: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_buffer_limit_total",
				Help:      "Total number of connections closed for exceeding the send buffer limit",
			},
			[]string{"direction"},
		),
		Reloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reloads by status",
			},
			[]string{"status"},
		),
		Goroutines: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of goroutines at the last health check",
			},
		),
	}
}

// ObserveDial times a backend dial and counts its outcome.
func (m *Metrics) ObserveDial(backend string, f func() error) error {
	start := time.Now()
	err := f()
	m.BackendDialDuration.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendDials.WithLabelValues(backend, status).Inc()
	return err
}
