// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/observability"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/scraper"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

var (
	stableScope = graph.Scope{Basearch: "x86_64", Stream: "stable"}
	ociScope    = graph.Scope{Basearch: "x86_64", Stream: "stable", OCI: true}
)

type fakeSource struct {
	mu    sync.Mutex
	snap  scraper.Snapshot
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Snapshot(_ context.Context, _ graph.Scope) (scraper.Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSource) set(snap scraper.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func sampleGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Payload{
			{Version: "A", Metadata: map[string]string{metadata.AgeIndex: "0"}, Payload: "sha-A"},
			{Version: "B", Metadata: map[string]string{metadata.AgeIndex: "1"}, Payload: "sha-B"},
		},
		Edges: []graph.Edge{{0, 1}},
	}
}

func newTestHandler(t *testing.T, cfg GraphHandlerConfig) *GraphHandler {
	t.Helper()
	h, err := NewGraphHandler(cfg)
	require.NoError(t, err)
	return h
}

func serve(h *GraphHandler, target string) *httptest.ResponseRecorder {
	router := gin.New()
	router.GET("/v1/graph", h.Handle)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	router.ServeHTTP(w, req)
	return w
}

type graphBody struct {
	Nodes []struct {
		Version  string            `json:"version"`
		Metadata map[string]string `json:"metadata"`
		Payload  string            `json:"payload"`
	} `json:"nodes"`
	Edges [][2]uint64 `json:"edges"`
}

// =============================================================================
// GraphHandler Tests
// =============================================================================

func TestGraphHandler_ReturnsGraph(t *testing.T) {
	source := &fakeSource{snap: scraper.Snapshot{Graph: sampleGraph(), Generation: 1}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=stable")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.True(t, strings.Contains(w.Body.String(), "\n  \"nodes\""), "body is indented")

	var body graphBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, "B", body.Nodes[1].Version)
	assert.Equal(t, "sha-B", body.Nodes[1].Payload)
	assert.Equal(t, [][2]uint64{{0, 1}}, body.Edges)
}

func TestGraphHandler_EmptyGraph(t *testing.T) {
	source := &fakeSource{snap: scraper.Snapshot{Graph: graph.Empty()}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=stable")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, w.Body.String())
}

func TestGraphHandler_OCIScope(t *testing.T) {
	checksum := &fakeSource{snap: scraper.Snapshot{Graph: graph.Empty()}}
	oci := &fakeSource{snap: scraper.Snapshot{Graph: sampleGraph(), Generation: 4}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: checksum, ociScope: oci},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=stable&oci=true")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), oci.calls.Load())
	assert.Equal(t, int32(0), checksum.calls.Load())
}

func TestGraphHandler_BadRequest(t *testing.T) {
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: &fakeSource{}},
	})

	tests := []struct {
		name   string
		target string
	}{
		{"missing basearch", "/v1/graph?stream=stable"},
		{"missing stream", "/v1/graph?basearch=x86_64"},
		{"empty basearch", "/v1/graph?basearch=&stream=stable"},
		{"no parameters", "/v1/graph"},
		{"malformed oci", "/v1/graph?basearch=x86_64&stream=stable&oci=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestGraphHandler_DisallowedScope(t *testing.T) {
	source := &fakeSource{snap: scraper.Snapshot{Graph: graph.Empty()}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
		Allowed: map[graph.Scope]struct{}{stableScope: {}},
	})

	w := serve(h, "/v1/graph?basearch=ppc64le&stream=stable")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestGraphHandler_UnconfiguredScope(t *testing.T) {
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: &fakeSource{}},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=testing")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGraphHandler_SourceError(t *testing.T) {
	source := &fakeSource{err: scraper.ErrStopped}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=stable")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "nodes")
}

func TestGraphHandler_FiltersDeadendsOnServe(t *testing.T) {
	g := sampleGraph()
	g.Nodes[0].Metadata[metadata.Deadend] = "true"
	source := &fakeSource{snap: scraper.Snapshot{Graph: g, Generation: 1}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
	})

	w := serve(h, "/v1/graph?basearch=x86_64&stream=stable")

	require.Equal(t, http.StatusOK, w.Code)
	var body graphBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "B", body.Nodes[0].Version)
	assert.Empty(t, body.Edges)
	assert.Equal(t, "true", g.Nodes[0].Metadata[metadata.Deadend], "snapshot is not mutated")
}

func TestGraphHandler_RenderCachedPerGeneration(t *testing.T) {
	source := &fakeSource{snap: scraper.Snapshot{Graph: sampleGraph(), Generation: 1}}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: source},
	})

	first := serve(h, "/v1/graph?basearch=x86_64&stream=stable")
	second := serve(h, "/v1/graph?basearch=x86_64&stream=stable")
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, h.cache.Len())

	newer := sampleGraph()
	newer.Nodes = append(newer.Nodes, graph.Payload{Version: "C", Metadata: map[string]string{}, Payload: "sha-C"})
	newer.Edges = []graph.Edge{{0, 2}, {1, 2}}
	source.set(scraper.Snapshot{Graph: newer, Generation: 2})

	third := serve(h, "/v1/graph?basearch=x86_64&stream=stable")
	var body graphBody
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Len(t, body.Nodes, 3, "a newer generation is never served from cache")
	assert.Equal(t, 2, h.cache.Len())
}

func TestGraphHandler_CacheBounded(t *testing.T) {
	source := &fakeSource{}
	h := newTestHandler(t, GraphHandlerConfig{
		Sources:   map[graph.Scope]GraphSource{stableScope: source},
		CacheSize: 2,
	})

	for gen := uint64(1); gen <= 5; gen++ {
		source.set(scraper.Snapshot{Graph: sampleGraph(), Generation: gen})
		w := serve(h, "/v1/graph?basearch=x86_64&stream=stable")
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, 2, h.cache.Len())
}

func TestGraphHandler_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := newTestHandler(t, GraphHandlerConfig{
		Sources: map[graph.Scope]GraphSource{stableScope: &fakeSource{snap: scraper.Snapshot{Graph: graph.Empty()}}},
		Metrics: metrics,
	})

	serve(h, "/v1/graph?basearch=x86_64&stream=stable")
	serve(h, "/v1/graph?basearch=x86_64&stream=stable")
	serve(h, "/v1/graph?stream=stable")
	serve(h, "/v1/graph?basearch=s390x&stream=stable")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GraphRequests.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GraphRequests.WithLabelValues("400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GraphRequests.WithLabelValues("404")))
}

func TestNewGraphHandler_Defaults(t *testing.T) {
	h := newTestHandler(t, GraphHandlerConfig{})

	assert.Equal(t, DefaultRequestTimeout, h.timeout)
	assert.NotNil(t, h.logger)
	assert.NotNil(t, h.cache)
}

// =============================================================================
// ValidateScope Tests
// =============================================================================

func TestValidateScope(t *testing.T) {
	allowed := map[graph.Scope]struct{}{stableScope: {}}

	assert.NoError(t, ValidateScope(stableScope, allowed))
	assert.NoError(t, ValidateScope(ociScope, nil), "nil set allows everything")

	err := ValidateScope(ociScope, allowed)
	assert.True(t, errors.Is(err, ErrScopeNotAllowed))
	assert.Contains(t, err.Error(), "x86_64/stable/oci")

	assert.Error(t, ValidateScope(stableScope, map[graph.Scope]struct{}{}), "empty set allows nothing")
}

func TestGraphQuery_Scope(t *testing.T) {
	q := GraphQuery{Basearch: "aarch64", Stream: "next", OCI: true}

	assert.Equal(t, graph.Scope{Basearch: "aarch64", Stream: "next", OCI: true}, q.Scope())
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
}
