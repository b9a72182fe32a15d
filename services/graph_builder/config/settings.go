// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/pkg/logging"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/telemetry"
)

// ServiceName tags logs and traces.
const ServiceName = "fcos-graph-builder"

// Settings is the validated runtime configuration.
//
// # Fields
//
//   - ServiceAddr, StatusAddr: host:port of the two servers.
//   - OriginAllowlist: CORS origins; empty allows any.
//   - Scopes: Every scope that gets a scraper, in a stable order.
//   - Allowed: Scopes clients may request. Nil allows all.
//   - Upstream: Fetcher configuration with {stream} templates.
//   - FileUpstream: The templates point at local files.
//   - Watch: Refresh file-backed scopes when their files change.
type Settings struct {
	ServiceAddr     string
	StatusAddr      string
	OriginAllowlist []string
	Scopes          []graph.Scope
	Allowed         map[graph.Scope]struct{}
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	RenderCacheSize int
	Upstream        metadata.HTTPFetcherConfig
	FileUpstream    bool
	Watch           bool
	Telemetry       telemetry.Config
	Logging         LoggingConfig
}

// Settings validates c and derives the runtime settings.
func (c FileConfig) Settings() (Settings, error) {
	if err := c.Validate(); err != nil {
		return Settings{}, err
	}

	var allowed map[graph.Scope]struct{}
	if c.Service.AllowedScopes != nil {
		allowed = make(map[graph.Scope]struct{}, len(c.Service.AllowedScopes))
		for _, s := range c.Service.AllowedScopes {
			allowed[graph.Scope{Basearch: s.Basearch, Stream: s.Stream, OCI: s.OCI}] = struct{}{}
		}
	}

	fileUpstream := metadata.IsFileTemplate(c.Upstream.ReleaseIndexURL)

	tele := c.Telemetry
	if tele.ServiceName == "" {
		tele.ServiceName = ServiceName
	}

	return Settings{
		ServiceAddr:     net.JoinHostPort(c.Service.Address, strconv.Itoa(c.Service.Port)),
		StatusAddr:      net.JoinHostPort(c.Status.Address, strconv.Itoa(c.Status.Port)),
		OriginAllowlist: slices.Clone(c.Service.OriginAllowlist),
		Scopes:          ExpandScopes(c.Service.Basearches, c.Service.Streams, c.Service.OCI),
		Allowed:         allowed,
		RefreshInterval: c.Service.RefreshInterval,
		RequestTimeout:  c.Service.RequestTimeout,
		ShutdownTimeout: c.Service.ShutdownTimeout,
		RenderCacheSize: c.Service.RenderCacheSize,
		Upstream: metadata.HTTPFetcherConfig{
			ReleaseIndexURL:   c.Upstream.ReleaseIndexURL,
			UpdatesURL:        c.Upstream.UpdatesURL,
			Timeout:           c.Upstream.Timeout,
			RequestsPerSecond: c.Upstream.RequestsPerSecond,
			Burst:             c.Upstream.Burst,
		},
		FileUpstream: fileUpstream,
		Watch:        fileUpstream && c.Upstream.Watch,
		Telemetry:    tele,
		Logging:      c.Logging,
	}, nil
}

// ExpandScopes returns basearches x streams, checksum scopes first, then
// OCI scopes when oci is set. Duplicates are dropped.
func ExpandScopes(basearches, streams []string, oci bool) []graph.Scope {
	schemes := []bool{false}
	if oci {
		schemes = append(schemes, true)
	}

	seen := make(map[graph.Scope]struct{})
	var scopes []graph.Scope
	for _, isOCI := range schemes {
		for _, stream := range streams {
			for _, arch := range basearches {
				scope := graph.Scope{Basearch: arch, Stream: stream, OCI: isOCI}
				if _, dup := seen[scope]; dup {
					continue
				}
				seen[scope] = struct{}{}
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes
}

// NewFetcher builds the upstream fetcher. One fetcher is shared by every
// scope so the HTTP rate limit applies service-wide.
func (s Settings) NewFetcher(opts ...metadata.HTTPFetcherOption) metadata.Fetcher {
	if s.FileUpstream {
		return metadata.NewFileFetcher(s.Upstream.ReleaseIndexURL, s.Upstream.UpdatesURL)
	}
	return metadata.NewHTTPFetcher(s.Upstream, opts...)
}

// LoggerConfig builds the logger configuration. A positive -v count wins
// over the configured level; with neither, warnings and errors are logged.
func (s Settings) LoggerConfig(verbosity int) logging.Config {
	level := logging.LevelFromVerbosity(verbosity)
	if verbosity <= 0 && s.Logging.Level != "" {
		if parsed, err := logging.ParseLevel(s.Logging.Level); err == nil {
			level = parsed
		}
	}
	return logging.Config{
		Level:   level,
		LogDir:  s.Logging.LogDir,
		Service: ServiceName,
		Format:  logging.Format(s.Logging.Format),
	}
}
