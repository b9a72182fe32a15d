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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock HTTP Client ---

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

// =============================================================================
// Template Tests
// =============================================================================

func TestExpandTemplate(t *testing.T) {
	assert.Equal(t,
		"https://example.com/prod/streams/next/releases.json",
		ExpandTemplate("https://example.com/prod/streams/{stream}/releases.json", "next"))
	assert.Equal(t, "/no/placeholder", ExpandTemplate("/no/placeholder", "next"))
}

func TestIsFileTemplate(t *testing.T) {
	assert.True(t, IsFileTemplate("file:///srv/mirror/{stream}.json"))
	assert.False(t, IsFileTemplate("https://example.com/{stream}.json"))
}

// =============================================================================
// HTTPFetcher Tests
// =============================================================================

func TestHTTPFetcher_AgainstServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prod/streams/stable/releases.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sampleReleases)
	})
	mux.HandleFunc("/updates/stable.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sampleUpdates)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := NewHTTPFetcher(HTTPFetcherConfig{
		ReleaseIndexURL: server.URL + "/prod/streams/{stream}/releases.json",
		UpdatesURL:      server.URL + "/updates/{stream}.json",
		Timeout:         5 * time.Second,
	})

	releases, err := fetcher.FetchReleaseIndex(context.Background(), "stable")
	require.NoError(t, err)
	assert.Len(t, releases, 2)

	updates, err := fetcher.FetchUpdates(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, "stable", updates.Stream)
	assert.Len(t, updates.Releases, 2)
}

func TestHTTPFetcher_SetsURLAndAcceptHeader(t *testing.T) {
	var gotURL, gotAccept string
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		gotURL = req.URL.String()
		gotAccept = req.Header.Get("Accept")
		return jsonResponse(http.StatusOK, `{"releases":[]}`), nil
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{
		ReleaseIndexURL: "https://upstream.test/prod/streams/{stream}/releases.json",
	}, WithHTTPClient(client))

	releases, err := fetcher.FetchReleaseIndex(context.Background(), "testing")

	require.NoError(t, err)
	assert.Empty(t, releases)
	assert.Equal(t, "https://upstream.test/prod/streams/testing/releases.json", gotURL)
	assert.Equal(t, "application/json", gotAccept)
}

func TestHTTPFetcher_NonSuccessStatus(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(_ *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, "down"), nil
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{UpdatesURL: "https://upstream.test/{stream}.json"},
		WithHTTPClient(client))

	_, err := fetcher.FetchUpdates(context.Background(), "stable")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(_ *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{ReleaseIndexURL: "https://upstream.test/{stream}"},
		WithHTTPClient(client))

	_, err := fetcher.FetchReleaseIndex(context.Background(), "stable")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPFetcher_MalformedJSON(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(_ *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"releases": [`), nil
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{ReleaseIndexURL: "https://upstream.test/{stream}"},
		WithHTTPClient(client))

	_, err := fetcher.FetchReleaseIndex(context.Background(), "stable")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestHTTPFetcher_StreamMismatch(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(_ *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"stream":"next","releases":[]}`), nil
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{UpdatesURL: "https://upstream.test/{stream}"},
		WithHTTPClient(client))

	_, err := fetcher.FetchUpdates(context.Background(), "stable")

	assert.ErrorIs(t, err, ErrStreamMismatch)
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	called := false
	client := &mockHTTPClient{doFunc: func(_ *http.Request) (*http.Response, error) {
		called = true
		return jsonResponse(http.StatusOK, `{"releases":[]}`), nil
	}}
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{
		ReleaseIndexURL:   "https://upstream.test/{stream}",
		RequestsPerSecond: 0.001,
		Burst:             1,
	}, WithHTTPClient(client))

	// Spend the single token, then the next wait cannot be satisfied in time.
	_, err := fetcher.FetchReleaseIndex(context.Background(), "stable")
	require.NoError(t, err)
	called = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fetcher.FetchReleaseIndex(ctx, "stable")

	require.Error(t, err)
	assert.False(t, called, "request must not be sent when the limiter wait fails")
}

// =============================================================================
// FileFetcher Tests
// =============================================================================

func TestFileFetcher_ReadsMirror(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stable-releases.json"), []byte(sampleReleases), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stable-updates.json"), []byte(sampleUpdates), 0o644))

	fetcher := NewFileFetcher(
		"file://"+filepath.Join(dir, "{stream}-releases.json"),
		filepath.Join(dir, "{stream}-updates.json"),
	)

	assert.Equal(t, filepath.Join(dir, "stable-releases.json"), fetcher.ReleaseIndexPath("stable"))

	releases, err := fetcher.FetchReleaseIndex(context.Background(), "stable")
	require.NoError(t, err)
	assert.Len(t, releases, 2)

	updates, err := fetcher.FetchUpdates(context.Background(), "stable")
	require.NoError(t, err)
	assert.Len(t, updates.Releases, 2)
}

func TestFileFetcher_MissingFile(t *testing.T) {
	fetcher := NewFileFetcher(filepath.Join(t.TempDir(), "{stream}.json"), "")

	_, err := fetcher.FetchReleaseIndex(context.Background(), "stable")

	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
