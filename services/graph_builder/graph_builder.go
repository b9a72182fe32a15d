// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph_builder runs the update graph service.
//
// # Description
//
// The service owns one scraper per configured scope and two HTTP servers:
//
//   - main: GET /v1/graph and /health, with CORS, tracing and request logs
//   - status: GET /metrics and /health
//
// Run starts the scrapers and both servers and blocks until its context
// is cancelled or a server fails, then shuts everything down.
package graph_builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/config"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/handlers"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/middleware"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/observability"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/routes"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/scraper"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/telemetry"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/watch"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// readHeaderTimeout bounds slow clients on both servers.
const readHeaderTimeout = 10 * time.Second

// Service is the graph builder process.
type Service interface {
	Run(ctx context.Context) error
	Router() *gin.Engine
	StatusRouter() *gin.Engine
}

// Options overrides collaborators. The zero value uses the settings.
//
// # Fields
//
//   - Logger: Defaults to slog.Default().
//   - Fetcher: Replaces the fetcher built from the upstream settings.
//   - Registry: Prometheus registry for the status server. Defaults to a
//     fresh registry with the Go collector.
type Options struct {
	Logger   *slog.Logger
	Fetcher  metadata.Fetcher
	Registry *prometheus.Registry
}

type service struct {
	settings config.Settings
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	fetcher  metadata.Fetcher

	scrapers     []*scraper.Scraper
	graphHandler *handlers.GraphHandler
	router       *gin.Engine
	statusRouter *gin.Engine
	watcher      *watch.Watcher

	tracerShutdown func(context.Context) error
	meterShutdown  func(context.Context) error
}

// New builds the service from validated settings.
//
// # Description
//
// Initializes tracing, the OTel meter bridge, metrics, one scraper per scope, the graph handler,
// both routers and, for file-backed upstreams with watching enabled, the
// file watcher. Nothing runs until Run is called.
//
// # Inputs
//
//   - settings: Output of config.FileConfig.Settings().
//   - opts: Collaborator overrides, mainly for tests.
//
// # Outputs
//
//   - Service: Ready to Run().
//   - error: Tracing, handler or watcher setup failures.
func New(settings config.Settings, opts Options) (Service, error) {
	s := &service{
		settings: settings,
		logger:   opts.Logger,
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = observability.NewRegistry()
	}

	// Providers first: instrumentation binds to them on construction.
	shutdown, err := telemetry.Init(context.Background(), settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	s.meterShutdown, err = telemetry.InitMetrics(context.Background(), settings.Telemetry, s.registry)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize meter: %w", err)
	}

	if s.fetcher == nil {
		s.fetcher = settings.NewFetcher()
	}

	s.metrics = observability.NewMetrics(s.registry)

	sources := make(map[graph.Scope]handlers.GraphSource, len(settings.Scopes))
	for _, scope := range settings.Scopes {
		sc := scraper.New(scope, s.fetcher,
			scraper.WithInterval(settings.RefreshInterval),
			scraper.WithLogger(s.logger),
			scraper.WithMetrics(s.metrics),
		)
		s.scrapers = append(s.scrapers, sc)
		sources[scope] = sc
	}

	s.graphHandler, err = handlers.NewGraphHandler(handlers.GraphHandlerConfig{
		Sources:        sources,
		Allowed:        settings.Allowed,
		RequestTimeout: settings.RequestTimeout,
		CacheSize:      settings.RenderCacheSize,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize graph handler: %w", err)
	}

	if err := s.initWatcher(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize upstream watcher: %w", err)
	}

	s.initRouters()
	return s, nil
}

// Run serves until ctx is cancelled or a server fails.
//
// # Description
//
// Starts every scraper, the watcher and both servers. On cancellation the
// servers are shut down within the configured shutdown timeout, then the
// scrapers are stopped. Scrapers use ctx as the parent of their fetches.
//
// # Outputs
//
//   - error: A server failure, such as a port already in use. Nil after a
//     clean shutdown.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	for _, sc := range s.scrapers {
		if err := sc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scraper for %s: %w", sc.Scope(), err)
		}
	}
	if s.watcher != nil {
		s.watcher.Start(ctx)
	}

	mainServer := &http.Server{
		Addr:              s.settings.ServiceAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	statusServer := &http.Server{
		Addr:              s.settings.StatusAddr,
		Handler:           s.statusRouter,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("Starting graph builder server", "address", mainServer.Addr, "scopes", len(s.scrapers))
		return listen(mainServer)
	})
	group.Go(func() error {
		s.logger.Info("Starting status server", "address", statusServer.Addr)
		return listen(statusServer)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range []*http.Server{mainServer, statusServer} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	err := group.Wait()
	s.logger.Info("graph builder stopped")
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

// Router returns the main server router.
func (s *service) Router() *gin.Engine {
	return s.router
}

// StatusRouter returns the status server router.
func (s *service) StatusRouter() *gin.Engine {
	return s.statusRouter
}

func (s *service) initRouters() {
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware(config.ServiceName),
		middleware.RequestID(),
		middleware.RequestLogger(s.logger),
		middleware.CORS(s.settings.OriginAllowlist),
	)
	routes.SetupRoutes(s.router, s.graphHandler)

	s.statusRouter = gin.New()
	s.statusRouter.Use(gin.Recovery())
	routes.SetupStatusRoutes(s.statusRouter, s.registry)
}

// initWatcher watches the local upstream documents of every scope. It is a
// no-op unless the upstream is file-backed and watching is enabled.
func (s *service) initWatcher() error {
	files, ok := s.fetcher.(*metadata.FileFetcher)
	if !ok || !s.settings.Watch {
		return nil
	}

	w, err := watch.New(s.logger, 0)
	if err != nil {
		return err
	}
	for _, sc := range s.scrapers {
		stream := sc.Scope().Stream
		for _, path := range []string{files.ReleaseIndexPath(stream), files.UpdatesPath(stream)} {
			if err := w.Add(path, sc); err != nil {
				_ = w.Stop()
				return err
			}
		}
	}
	s.watcher = w
	return nil
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	for _, sc := range s.scrapers {
		if err := sc.Stop(); err != nil {
			s.logger.Warn("scraper stop error", "scope", sc.Scope().String(), "error", err)
		}
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("watcher stop error", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer", "error", err)
		}
	}
	if s.meterShutdown != nil {
		if err := s.meterShutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown meter", "error", err)
		}
	}
}

var _ Service = (*service)(nil)
