// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the graph builder.
//
// # Description
//
// Metrics cover the scrape loop of every scope (scrape and failure counters,
// size and freshness of the last assembled graph) and the graph endpoint
// (requests by status code). They are exposed by the status server on
// /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"strconv"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all graph builder metrics
const metricsNamespace = "fcos_cincinnati"

// Subsystems
const (
	scraperSubsystem = "gb_scraper"
	httpSubsystem    = "gb_http"
)

// Failure stages reported in the stage label.
const (
	StageReleaseIndex = "release_index"
	StageUpdates      = "updates"
	StageAssembly     = "assembly"
)

var scopeLabels = []string{"basearch", "stream", "scheme"}

// Metrics holds all Prometheus metrics of the graph builder.
//
// # Fields
//
//   - UpstreamScrapes: Counter of scrape attempts per scope
//   - UpstreamFailures: Counter of failed scrapes per scope and stage
//   - FinalReleases: Gauge of nodes in the last assembled graph per scope
//   - FinalEdges: Gauge of edges in the last assembled graph per scope
//   - LastRefresh: Gauge of the Unix time of the last successful refresh
//   - GraphRequests: Counter of /v1/graph responses by status code
//   - ProcessStart: Gauge of the process start time
type Metrics struct {
	UpstreamScrapes  *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	FinalReleases    *prometheus.GaugeVec
	FinalEdges       *prometheus.GaugeVec
	LastRefresh      *prometheus.GaugeVec
	GraphRequests    *prometheus.CounterVec
	ProcessStart     prometheus.Gauge
}

// NewRegistry returns a registry carrying the Go runtime collector.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// NewMetrics creates the graph builder metrics and registers them with reg.
//
// # Description
//
// Every metric is registered through promauto so a duplicate registration
// panics at startup rather than silently dropping samples. The process
// start time is set to the current time.
//
// # Inputs
//
//   - reg: Registerer to attach the metrics to. Tests pass a fresh
//     prometheus.NewRegistry() to stay isolated.
//
// # Outputs
//
//   - *Metrics: The initialized metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		UpstreamScrapes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: scraperSubsystem,
				Name:      "upstream_scrapes_total",
				Help:      "Total number of upstream scrapes",
			},
			scopeLabels,
		),
		UpstreamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: scraperSubsystem,
				Name:      "upstream_failures_total",
				Help:      "Total number of failed upstream scrapes by stage",
			},
			append(append([]string{}, scopeLabels...), "stage"),
		),
		FinalReleases: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: scraperSubsystem,
				Name:      "graph_final_releases",
				Help:      "Number of releases in the final graph, after processing",
			},
			scopeLabels,
		),
		FinalEdges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: scraperSubsystem,
				Name:      "graph_final_edges",
				Help:      "Number of edges in the final graph, after processing",
			},
			scopeLabels,
		),
		LastRefresh: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: scraperSubsystem,
				Name:      "graph_last_refresh_timestamp",
				Help:      "UTC timestamp of last graph refresh",
			},
			scopeLabels,
		),
		GraphRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "graph_requests_total",
				Help:      "Total number of graph requests by status code",
			},
			[]string{"code"},
		),
		ProcessStart: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_start_time_seconds",
				Help: "Start time of the process since unix epoch in seconds.",
			},
		),
	}

	m.ProcessStart.Set(float64(time.Now().Unix()))
	return m
}

// =============================================================================
// Recording Helpers
// =============================================================================

func scopeValues(scope graph.Scope) []string {
	return []string{scope.Basearch, scope.Stream, scope.SchemeName()}
}

// ObserveScrape counts one scrape attempt for scope.
func (m *Metrics) ObserveScrape(scope graph.Scope) {
	if m == nil {
		return
	}
	m.UpstreamScrapes.WithLabelValues(scopeValues(scope)...).Inc()
}

// ObserveFailure counts one failed scrape for scope at the given stage.
func (m *Metrics) ObserveFailure(scope graph.Scope, stage string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(append(scopeValues(scope), stage)...).Inc()
}

// ObserveGraph records the size of a freshly assembled graph and the time
// it became current.
func (m *Metrics) ObserveGraph(scope graph.Scope, g graph.Graph, refreshedAt time.Time) {
	if m == nil {
		return
	}
	labels := scopeValues(scope)
	m.FinalReleases.WithLabelValues(labels...).Set(float64(len(g.Nodes)))
	m.FinalEdges.WithLabelValues(labels...).Set(float64(len(g.Edges)))
	m.LastRefresh.WithLabelValues(labels...).Set(float64(refreshedAt.Unix()))
}

// ObserveGraphRequest counts one graph response with the given status code.
func (m *Metrics) ObserveGraphRequest(code int) {
	if m == nil {
		return
	}
	m.GraphRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}
