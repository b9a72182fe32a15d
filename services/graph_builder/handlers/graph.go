// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the graph builder.
//
// # Description
//
// GraphHandler answers GET /v1/graph. It validates the requested scope,
// asks the scope's scraper for its current snapshot, filters dead ends and
// writes the graph as indented JSON. Rendered bodies are cached per
// snapshot generation so repeated requests against an unchanged graph do
// not re-encode it.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/observability"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/scraper"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var graphTracer = otel.Tracer("fcos.graph_builder.handlers")

// ErrScopeNotAllowed is returned for scopes outside the allowed set.
var ErrScopeNotAllowed = errors.New("scope not allowed")

const (
	// DefaultRequestTimeout bounds the wait for a scraper snapshot.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultRenderCacheSize is the number of rendered graphs kept.
	DefaultRenderCacheSize = 64
)

// GraphQuery holds the query parameters of GET /v1/graph.
type GraphQuery struct {
	Basearch string `form:"basearch" binding:"required"`
	Stream   string `form:"stream" binding:"required"`
	OCI      bool   `form:"oci"`
}

// Scope returns the scope named by the query.
func (q GraphQuery) Scope() graph.Scope {
	return graph.Scope{Basearch: q.Basearch, Stream: q.Stream, OCI: q.OCI}
}

// ValidateScope checks scope against the allowed set. A nil set allows
// every scope.
func ValidateScope(scope graph.Scope, allowed map[graph.Scope]struct{}) error {
	if allowed == nil {
		return nil
	}
	if _, ok := allowed[scope]; !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotAllowed, scope)
	}
	return nil
}

// GraphSource yields the current snapshot of a scope. *scraper.Scraper
// implements it.
type GraphSource interface {
	Snapshot(ctx context.Context, scope graph.Scope) (scraper.Snapshot, error)
}

// GraphHandlerConfig configures NewGraphHandler.
//
// # Fields
//
//   - Sources: One source per configured scope.
//   - Allowed: Scopes clients may ask for. Nil allows all.
//   - RequestTimeout: Upper bound on waiting for a snapshot. Default 5s.
//   - CacheSize: Rendered graphs kept in memory. Default 64.
//   - Metrics: Optional request counters.
//   - Logger: Defaults to slog.Default().
type GraphHandlerConfig struct {
	Sources        map[graph.Scope]GraphSource
	Allowed        map[graph.Scope]struct{}
	RequestTimeout time.Duration
	CacheSize      int
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

type renderKey struct {
	scope      graph.Scope
	generation uint64
}

// GraphHandler serves update graphs.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent renders of the same snapshot are
// collapsed into one.
type GraphHandler struct {
	sources map[graph.Scope]GraphSource
	allowed map[graph.Scope]struct{}
	timeout time.Duration
	cache   *lru.Cache[renderKey, []byte]
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewGraphHandler creates a GraphHandler from cfg.
func NewGraphHandler(cfg GraphHandlerConfig) (*GraphHandler, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultRenderCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cache, err := lru.New[renderKey, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create render cache: %w", err)
	}

	return &GraphHandler{
		sources: cfg.Sources,
		allowed: cfg.Allowed,
		timeout: cfg.RequestTimeout,
		cache:   cache,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// Handle is the gin handler for GET /v1/graph.
//
// # Description
//
// Status codes:
//   - 400: missing or malformed parameters, or a scope outside the
//     allowed set.
//   - 404: the scope is allowed but has no scraper.
//   - 500: the snapshot could not be obtained or encoded.
//   - 200: the graph, dead ends removed, as indented JSON.
func (h *GraphHandler) Handle(c *gin.Context) {
	ctx, span := graphTracer.Start(c.Request.Context(), "GraphHandler.Handle")
	defer span.End()

	var query GraphQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.logger.Debug("rejected graph request", "error", err)
		h.fail(c, http.StatusBadRequest, "invalid query parameters")
		return
	}

	scope := query.Scope()
	span.SetAttributes(
		attribute.String("basearch", scope.Basearch),
		attribute.String("stream", scope.Stream),
		attribute.String("scheme", scope.SchemeName()),
	)

	if err := ValidateScope(scope, h.allowed); err != nil {
		h.logger.Debug("rejected graph request", "error", err)
		h.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	source, ok := h.sources[scope]
	if !ok {
		h.fail(c, http.StatusNotFound, fmt.Sprintf("no graph configured for %s", scope))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	snap, err := source.Snapshot(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("failed to get cached graph", "scope", scope.String(), "error", err)
		h.fail(c, http.StatusInternalServerError, "failed to get graph")
		return
	}

	body, err := h.render(scope, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("failed to render graph", "scope", scope.String(), "error", err)
		h.fail(c, http.StatusInternalServerError, "failed to render graph")
		return
	}

	h.metrics.ObserveGraphRequest(http.StatusOK)
	c.Data(http.StatusOK, "application/json", body)
}

func (h *GraphHandler) fail(c *gin.Context, code int, message string) {
	h.metrics.ObserveGraphRequest(code)
	c.JSON(code, gin.H{"error": message})
}

// render encodes the deadend-free graph of snap, reusing a previous
// encoding of the same generation.
func (h *GraphHandler) render(scope graph.Scope, snap scraper.Snapshot) ([]byte, error) {
	key := renderKey{scope: scope, generation: snap.Generation}
	if body, ok := h.cache.Get(key); ok {
		return body, nil
	}

	flightKey := scope.String() + "@" + strconv.FormatUint(snap.Generation, 10)
	v, err, _ := h.group.Do(flightKey, func() (any, error) {
		if body, ok := h.cache.Get(key); ok {
			return body, nil
		}
		body, err := json.MarshalIndent(graph.FilterDeadends(snap.Graph), "", "  ")
		if err != nil {
			return nil, err
		}
		h.cache.Add(key, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// HealthCheck reports that the process is serving.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
