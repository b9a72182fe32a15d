// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// StreamPlaceholder is replaced by the stream name in URL and path templates.
const StreamPlaceholder = "{stream}"

// FileScheme prefixes templates that point at local files.
const FileScheme = "file://"

// maxDocumentBytes bounds the size of a single upstream document.
const maxDocumentBytes = 64 << 20

var (
	// ErrUnexpectedStatus is returned when upstream answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected upstream status")

	// ErrStreamMismatch is returned when an updates document names another stream.
	ErrStreamMismatch = errors.New("updates document is for a different stream")
)

// ExpandTemplate substitutes the stream name into a URL or path template.
func ExpandTemplate(template, stream string) string {
	return strings.ReplaceAll(template, StreamPlaceholder, stream)
}

// IsFileTemplate reports whether template refers to the local filesystem.
func IsFileTemplate(template string) bool {
	return strings.HasPrefix(template, FileScheme)
}

// Fetcher retrieves the upstream documents for one stream.
//
// Implementations must be safe for concurrent use and enforce their own
// timeouts; callers only cancel ctx on shutdown.
type Fetcher interface {
	FetchReleaseIndex(ctx context.Context, stream string) ([]Release, error)
	FetchUpdates(ctx context.Context, stream string) (UpdatesJSON, error)
}

var (
	_ Fetcher = (*HTTPFetcher)(nil)
	_ Fetcher = (*FileFetcher)(nil)
)

// =============================================================================
// HTTP Fetcher
// =============================================================================

// HTTPClient interface allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcherConfig configures an HTTPFetcher.
//
// # Fields
//
//   - ReleaseIndexURL: releases.json URL template containing "{stream}".
//   - UpdatesURL: updates.json URL template containing "{stream}".
//   - Timeout: per-request timeout, covering connect, headers and body.
//   - RequestsPerSecond: shared request budget. Zero or less disables limiting.
//   - Burst: limiter bucket size. Values below 1 are treated as 1.
type HTTPFetcherConfig struct {
	ReleaseIndexURL   string
	UpdatesURL        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPFetcher scrapes upstream metadata over HTTP.
//
// # Description
//
// All requests from one HTTPFetcher share a token-bucket limiter, so the
// scrapers of every basearch/scheme combination of a stream do not burst
// the upstream server on each tick.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPFetcher struct {
	config  HTTPFetcherConfig
	client  HTTPClient
	limiter *rate.Limiter
}

// HTTPFetcherOption customizes an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(client HTTPClient) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// NewHTTPFetcher creates an HTTPFetcher.
//
// # Description
//
// The default client is an http.Client with the configured timeout whose
// transport is wrapped by otelhttp, so each upstream request becomes a
// child span of the scrape that issued it.
//
// # Inputs
//
//   - config: URL templates, timeout and rate limit.
//   - opts: Optional overrides (tests inject a mock client).
//
// # Outputs
//
//   - *HTTPFetcher: Ready to use.
func NewHTTPFetcher(config HTTPFetcherConfig, opts ...HTTPFetcherOption) *HTTPFetcher {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	f := &HTTPFetcher{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchReleaseIndex downloads and decodes releases.json for stream.
func (f *HTTPFetcher) FetchReleaseIndex(ctx context.Context, stream string) ([]Release, error) {
	var doc ReleasesJSON
	url := ExpandTemplate(f.config.ReleaseIndexURL, stream)
	if err := f.getJSON(ctx, url, &doc); err != nil {
		return nil, fmt.Errorf("fetch release index for stream %q: %w", stream, err)
	}
	return doc.Releases, nil
}

// FetchUpdates downloads and decodes updates.json for stream.
func (f *HTTPFetcher) FetchUpdates(ctx context.Context, stream string) (UpdatesJSON, error) {
	var doc UpdatesJSON
	url := ExpandTemplate(f.config.UpdatesURL, stream)
	if err := f.getJSON(ctx, url, &doc); err != nil {
		return UpdatesJSON{}, fmt.Errorf("fetch updates for stream %q: %w", stream, err)
	}
	if err := checkStream(doc, stream); err != nil {
		return UpdatesJSON{}, err
	}
	return doc, nil
}

func (f *HTTPFetcher) getJSON(ctx context.Context, url string, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: %w: %d", url, ErrUnexpectedStatus, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// =============================================================================
// File Fetcher
// =============================================================================

// FileFetcher reads upstream metadata from a local mirror.
//
// Templates may carry the "file://" prefix; it is stripped before use.
type FileFetcher struct {
	releaseIndexPath string
	updatesPath      string
}

// NewFileFetcher creates a FileFetcher from path templates containing "{stream}".
func NewFileFetcher(releaseIndexPath, updatesPath string) *FileFetcher {
	return &FileFetcher{
		releaseIndexPath: strings.TrimPrefix(releaseIndexPath, FileScheme),
		updatesPath:      strings.TrimPrefix(updatesPath, FileScheme),
	}
}

// ReleaseIndexPath returns the releases.json path for stream.
func (f *FileFetcher) ReleaseIndexPath(stream string) string {
	return ExpandTemplate(f.releaseIndexPath, stream)
}

// UpdatesPath returns the updates.json path for stream.
func (f *FileFetcher) UpdatesPath(stream string) string {
	return ExpandTemplate(f.updatesPath, stream)
}

// FetchReleaseIndex reads releases.json for stream.
func (f *FileFetcher) FetchReleaseIndex(ctx context.Context, stream string) ([]Release, error) {
	var doc ReleasesJSON
	if err := readJSON(ctx, f.ReleaseIndexPath(stream), &doc); err != nil {
		return nil, fmt.Errorf("read release index for stream %q: %w", stream, err)
	}
	return doc.Releases, nil
}

// FetchUpdates reads updates.json for stream.
func (f *FileFetcher) FetchUpdates(ctx context.Context, stream string) (UpdatesJSON, error) {
	var doc UpdatesJSON
	if err := readJSON(ctx, f.UpdatesPath(stream), &doc); err != nil {
		return UpdatesJSON{}, fmt.Errorf("read updates for stream %q: %w", stream, err)
	}
	if err := checkStream(doc, stream); err != nil {
		return UpdatesJSON{}, err
	}
	return doc, nil
}

func readJSON(ctx context.Context, path string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// checkStream rejects an updates document that declares a different stream.
// An empty stream field is accepted.
func checkStream(doc UpdatesJSON, stream string) error {
	if doc.Stream != "" && doc.Stream != stream {
		return fmt.Errorf("%w: got %q, want %q", ErrStreamMismatch, doc.Stream, stream)
	}
	return nil
}
