// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scraper keeps the update graph of one scope fresh.
//
// # Description
//
// A Scraper owns the current graph snapshot of a single scope. One
// goroutine holds the snapshot and answers readers over channels; upstream
// fetches run in a goroutine it spawns and hand the result back, so
// readers are always served the last good snapshot without waiting for a
// fetch. Before the first successful refresh the snapshot is the empty
// graph.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the pause between two scheduled refreshes.
const DefaultInterval = 30 * time.Second

const tracerName = "github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/scraper"

var (
	// ErrUnexpectedScope is returned when a reader asks for another scope.
	ErrUnexpectedScope = errors.New("unexpected scope")

	// ErrStopped is returned once the scraper has been stopped.
	ErrStopped = errors.New("scraper stopped")

	// ErrAlreadyRunning is returned by Start on a running scraper.
	ErrAlreadyRunning = errors.New("scraper is already running")
)

// =============================================================================
// State
// =============================================================================

// State describes what the scraper is doing.
type State int32

const (
	// Idle means no refresh cycle has started yet.
	Idle State = iota
	// Fetching means a refresh is in flight.
	Fetching
	// Ready means the last refresh succeeded.
	Ready
	// FetchFailed means the last refresh failed and the previous snapshot
	// is still served.
	FetchFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case FetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Snapshot is an immutable view of the graph of a scope.
//
// Generation counts successful refreshes; it is 0 for the initial empty
// graph. RefreshedAt is zero until the first success.
type Snapshot struct {
	Graph       graph.Graph
	Generation  uint64
	RefreshedAt time.Time
}

// =============================================================================
// Scraper
// =============================================================================

// Option configures a Scraper.
type Option func(*Scraper)

// WithInterval sets the refresh interval. Non-positive values are ignored.
func WithInterval(interval time.Duration) Option {
	return func(s *Scraper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the logger. Scope attributes are added to it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scraper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records scrape metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scraper) {
		s.metrics = m
	}
}

// WithTracer overrides the tracer used for scrape spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scraper) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

type request struct {
	reply chan Snapshot
}

type result struct {
	graph graph.Graph
	at    time.Time
	err   error
}

// Scraper refreshes and serves the graph of one scope.
//
// # Fields
//
//   - requests: Reader requests, answered by the owner goroutine.
//   - triggers: Pending manual refresh, capacity 1.
//   - results: Outcome of the in-flight fetch, capacity 1.
//   - done: Closed by Stop.
//   - exited: Closed when the owner goroutine returns, or by Stop on a
//     scraper that never started.
//
// # Thread Safety
//
// The snapshot is only touched by the owner goroutine. mu guards the
// lifecycle flags.
type Scraper struct {
	scope    graph.Scope
	fetcher  metadata.Fetcher
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	requests chan request
	triggers chan struct{}
	results  chan result
	done     chan struct{}
	exited   chan struct{}

	state atomic.Int32

	mu      sync.Mutex
	running bool
	stopped bool
}

// New creates a scraper for scope backed by fetcher.
//
// # Description
//
// The scraper does nothing until Start is called. Readers arriving before
// Start wait until it is started, stopped or their context ends.
//
// # Inputs
//
//   - scope: The scope this scraper serves.
//   - fetcher: Source of the release index and updates policy.
//   - opts: Interval, logger, metrics and tracer overrides.
//
// # Outputs
//
//   - *Scraper: Ready to Start().
func New(scope graph.Scope, fetcher metadata.Fetcher, opts ...Option) *Scraper {
	s := &Scraper{
		scope:    scope,
		fetcher:  fetcher,
		interval: DefaultInterval,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		requests: make(chan request),
		triggers: make(chan struct{}, 1),
		results:  make(chan result, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(
		"basearch", scope.Basearch,
		"stream", scope.Stream,
		"scheme", scope.SchemeName(),
	)
	return s
}

// Scope returns the scope served by the scraper.
func (s *Scraper) Scope() graph.Scope {
	return s.scope
}

// State returns the current refresh state.
func (s *Scraper) State() State {
	return State(s.state.Load())
}

// Start launches the owner goroutine and the first refresh.
//
// # Description
//
// The first refresh begins immediately, then one every interval. The
// scraper runs until Stop is called or ctx is cancelled. ctx is also the
// parent of every fetch, so cancelling it aborts in-flight requests.
//
// # Inputs
//
//   - ctx: Lifetime of the scraper.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if started twice, ErrStopped after Stop.
//
// # Limitations
//
//   - A stopped scraper cannot be restarted; create a new one.
func (s *Scraper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true

	s.logger.Info("graph scraper starting", "interval", s.interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop ends the owner goroutine and waits for it to return.
//
// In-flight fetches are not interrupted; their result is discarded. Safe to
// call multiple times.
func (s *Scraper) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	if !s.running {
		close(s.exited)
	}
	s.mu.Unlock()

	<-s.exited
	s.logger.Info("graph scraper stopped")
	return nil
}

// Trigger requests an immediate refresh.
//
// It never blocks. If a refresh is already queued the call is a no-op, and
// a refresh that is already in flight is not duplicated.
func (s *Scraper) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// GetCachedGraph returns the current graph of scope.
func (s *Scraper) GetCachedGraph(ctx context.Context, scope graph.Scope) (graph.Graph, error) {
	snap, err := s.Snapshot(ctx, scope)
	if err != nil {
		return graph.Graph{}, err
	}
	return snap.Graph, nil
}

// Snapshot returns the current snapshot of scope.
//
// # Inputs
//
//   - ctx: Bounds how long the caller waits for the owner goroutine.
//   - scope: Must equal the scraper's scope.
//
// # Outputs
//
//   - Snapshot: The last successfully built snapshot, or the empty graph.
//   - error: ErrUnexpectedScope, ErrStopped, or ctx.Err().
func (s *Scraper) Snapshot(ctx context.Context, scope graph.Scope) (Snapshot, error) {
	if scope != s.scope {
		return Snapshot{}, fmt.Errorf("%w: asked for %s, serving %s", ErrUnexpectedScope, scope, s.scope)
	}

	req := request{reply: make(chan Snapshot, 1)}
	select {
	case s.requests <- req:
	case <-s.exited:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-s.exited:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

// runLoop is the owner goroutine.
//
// # Description
//
// Serves readers from the current snapshot, starts a fetch on every tick or
// trigger unless one is in flight, and swaps in the result of successful
// fetches.
func (s *Scraper) runLoop(ctx context.Context) {
	defer close(s.exited)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	current := Snapshot{Graph: graph.Empty()}
	inFlight := false

	refresh := func() {
		if inFlight {
			return
		}
		inFlight = true
		s.state.Store(int32(Fetching))
		go func() {
			s.results <- s.scrape(ctx)
		}()
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("graph scraper stopped (context cancelled)")
			return
		case <-s.done:
			return
		case req := <-s.requests:
			req.reply <- current
		case <-ticker.C:
			refresh()
		case <-s.triggers:
			refresh()
		case res := <-s.results:
			inFlight = false
			if res.err != nil {
				s.state.Store(int32(FetchFailed))
				continue
			}
			current = Snapshot{
				Graph:       res.graph,
				Generation:  current.Generation + 1,
				RefreshedAt: res.at,
			}
			s.state.Store(int32(Ready))
			s.metrics.ObserveGraph(s.scope, res.graph, res.at)
		}
	}
}

// stageError tags a scrape failure with the stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

// scrape fetches both upstream documents concurrently and assembles the
// graph. Failures are logged and counted here.
func (s *Scraper) scrape(ctx context.Context) result {
	ctx, span := s.tracer.Start(ctx, "scraper.scrape", trace.WithAttributes(
		attribute.String("basearch", s.scope.Basearch),
		attribute.String("stream", s.scope.Stream),
		attribute.String("scheme", s.scope.SchemeName()),
	))
	defer span.End()

	s.metrics.ObserveScrape(s.scope)
	start := s.now()

	g, err := s.fetchAndAssemble(ctx)
	if err != nil {
		stage := observability.StageAssembly
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		s.metrics.ObserveFailure(s.scope, stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		s.logger.Warn("failed to refresh graph", "stage", stage, "error", err)
		return result{err: err}
	}

	refreshedAt := s.now()
	span.SetAttributes(
		attribute.Int("graph.nodes", len(g.Nodes)),
		attribute.Int("graph.edges", len(g.Edges)),
	)
	s.logger.Debug("graph refreshed",
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
		"duration", refreshedAt.Sub(start).String(),
	)
	return result{graph: g, at: refreshedAt}
}

func (s *Scraper) fetchAndAssemble(ctx context.Context) (graph.Graph, error) {
	var (
		releases []metadata.Release
		updates  metadata.UpdatesJSON
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		r, err := s.fetcher.FetchReleaseIndex(gctx, s.scope.Stream)
		if err != nil {
			return &stageError{stage: observability.StageReleaseIndex, err: err}
		}
		releases = r
		return nil
	})
	group.Go(func() error {
		u, err := s.fetcher.FetchUpdates(gctx, s.scope.Stream)
		if err != nil {
			return &stageError{stage: observability.StageUpdates, err: err}
		}
		updates = u
		return nil
	})
	if err := group.Wait(); err != nil {
		return graph.Graph{}, err
	}

	g, err := graph.FromMetadata(releases, updates, s.scope)
	if err != nil {
		return graph.Graph{}, &stageError{stage: observability.StageAssembly, err: err}
	}
	return g, nil
}
