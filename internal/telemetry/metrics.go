/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the process counters.
type Metrics struct {
	registry *prometheus.Registry

	ResolveAttempts *prometheus.CounterVec
	ResolveFailures *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	ProbeMismatches prometheus.Counter
	ProbeCorrected  prometheus.Counter
	ScriptReloads   prometheus.Counter
	PreloadHits     prometheus.Counter
	PreloadMisses   prometheus.Counter
}

// New builds the metric set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ResolveAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tonearm_resolve_attempts_total",
			Help: "URL resolution attempts by method.",
		}, []string{"method"}),
		ResolveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tonearm_resolve_failures_total",
			Help: "URL resolution failures by method.",
		}, []string{"method"}),
		ResolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tonearm_resolve_duration_seconds",
			Help:    "End-to-end resolution latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		ProbeMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "tonearm_probe_mismatches_total",
			Help: "Duration probe mismatches detected.",
		}),
		ProbeCorrected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tonearm_probe_corrected_total",
			Help: "Probe runs that found a better-matching source.",
		}),
		ScriptReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "tonearm_script_reloads_total",
			Help: "Source script hot reloads.",
		}),
		PreloadHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tonearm_preload_hits_total",
			Help: "Playback starts served from the preload cache.",
		}),
		PreloadMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tonearm_preload_misses_total",
			Help: "Playback starts that had to resolve on demand.",
		}),
	}
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
