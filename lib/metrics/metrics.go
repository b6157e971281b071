// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the gateway's Prometheus metrics.
//
// Each gateway owns one [Metrics] with its own registry, so tests and
// multiple gateways in one process never collide. Every method is safe
// to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/consolegate/consolegate/lib/supervisor"
)

const namespace = "consolegate"

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	workers     *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	logins      *prometheus.CounterVec
	reloads     *prometheus.CounterVec
	cancels     prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Command requests by module and outcome.",
		}, []string{"module", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time from authorization to relayed response, by module.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"module"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers",
			Help:      "Workers by module and lifecycle state.",
		}, []string{"module", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Worker state transitions by module and target state.",
		}, []string{"module", "state"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "logins_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reloads_total",
			Help:      "Catalogue and policy reloads by result.",
		}, []string{"result"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cancellations_total",
			Help:      "Requests abandoned by their client and cancelled on the worker.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.workers, m.transitions, m.logins, m.reloads, m.cancels,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one command request. module is empty for
// requests rejected before routing.
func (m *Metrics) ObserveRequest(module, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(module, outcome).Inc()
	if module != "" {
		m.duration.WithLabelValues(module).Observe(elapsed.Seconds())
	}
}

// ObserveTransition is a supervisor observer keeping the worker gauge
// current.
func (m *Metrics) ObserveTransition(transition supervisor.Transition) {
	if m == nil {
		return
	}
	module := transition.Worker.Module
	if transition.From != supervisor.StateAbsent {
		m.workers.WithLabelValues(module, transition.From.String()).Dec()
	}
	if transition.To != supervisor.StateStopped {
		m.workers.WithLabelValues(module, transition.To.String()).Inc()
	}
	m.transitions.WithLabelValues(module, transition.To.String()).Inc()
}

// ObserveLogin records an authentication attempt.
func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// ObserveReload records a reload.
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// ObserveCancel records a client-abandoned request.
func (m *Metrics) ObserveCancel() {
	if m == nil {
		return
	}
	m.cancels.Inc()
}

// TrackSessions exports the live session count, read at scrape time.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "sessions",
		Help:      "Live client sessions.",
	}, func() float64 { return float64(count()) }))
}
