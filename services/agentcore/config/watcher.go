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
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes.
//
// Description:
//
//	The watcher watches the file's directory, since editors usually
//	replace files instead of writing them in place, and reacts to events
//	for the file's name. A reload that fails to load or validate is logged
//	and the previous configuration stays current.
//
// Thread Safety:
//
//	Current and OnChange are safe for concurrent use. Start should only be
//	called once.
type Watcher struct {
	path     string
	lookup   func(string) (string, bool)
	watcher  *fsnotify.Watcher
	current  atomic.Pointer[Config]
	logger   *slog.Logger
	mu       sync.Mutex
	handlers []func(*Config)
}

// NewWatcher creates a watcher for path with initial as the current value.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: abs, watcher: fw, logger: logger}
	w.current.Store(initial)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start watches until ctx is cancelled or the watcher is stopped. It
// should be run in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Debug("Started watching config", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("Config watcher stopping")
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.Reload()
}

// Reload loads the file now. It reports whether the current configuration
// was replaced.
func (w *Watcher) Reload() bool {
	lookup := w.lookup
	var (
		cfg *Config
		err error
	)
	if lookup == nil {
		cfg, err = Load(w.path)
	} else {
		cfg, err = LoadWithEnv(w.path, lookup)
	}
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config", "path", w.path, "error", err)
		return false
	}
	w.current.Store(cfg)
	w.logger.Info("Config reloaded", "path", w.path)

	w.mu.Lock()
	handlers := append(([]func(*Config))(nil), w.handlers...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(cfg)
	}
	return true
}

// Stop releases the underlying watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
