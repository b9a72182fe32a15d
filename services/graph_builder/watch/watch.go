// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch refreshes scopes when their file-backed upstream changes.
//
// # Description
//
// When the release index and updates documents are served from a local
// mirror, a Watcher observes the directories holding them and triggers an
// immediate refresh of every scope reading a changed file. Directories are
// watched rather than files so that atomic replacements (write to a
// temporary file, then rename) are seen.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups bursts of events on the same file.
const DefaultDebounce = 200 * time.Millisecond

// ErrAlreadyStarted is returned by Add after Start.
var ErrAlreadyStarted = errors.New("watcher already started")

// Triggerer is refreshed when one of its files changes. *scraper.Scraper
// implements it.
type Triggerer interface {
	Trigger()
}

// Watcher maps files to the scopes reading them.
//
// # Thread Safety
//
// Add must be called before Start. Stop is safe to call multiple times.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	targets map[string][]Triggerer
	dirs    map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
}

// New creates a watcher. A non-positive debounce uses DefaultDebounce.
func New(logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		logger:   logger,
		debounce: debounce,
		targets:  make(map[string][]Triggerer),
		dirs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Add registers target to be triggered when path changes.
//
// The parent directory of path must exist; the file itself may not exist
// yet.
func (w *Watcher) Add(path string, target Triggerer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if _, ok := w.dirs[dir]; !ok {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	w.targets[path] = append(w.targets[path], target)
	return nil
}

// Paths returns the number of watched files.
func (w *Watcher) Paths() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

// Start begins processing events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("watching upstream files", "files", len(w.targets), "directories", len(w.dirs))
	go w.run(ctx)
}

// Stop ends event processing and releases the underlying watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// run collects changed paths and fires their targets once the debounce
// window has passed without new events.
func (w *Watcher) run(ctx context.Context) {
	pending := make(map[string]struct{})
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, ok := w.targets[path]; !ok {
				continue
			}
			pending[path] = struct{}{}
			if timerC == nil {
				timerC = time.After(w.debounce)
			}
		case <-timerC:
			timerC = nil
			w.fire(pending)
			clear(pending)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) fire(paths map[string]struct{}) {
	fired := make(map[Triggerer]struct{})
	for path := range paths {
		w.logger.Debug("upstream file changed", "path", path)
		for _, target := range w.targets[path] {
			if _, done := fired[target]; done {
				continue
			}
			fired[target] = struct{}{}
			target.Trigger()
		}
	}
}
