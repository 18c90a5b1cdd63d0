/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scriptwatch hot-reloads the source script. The active runner is
// swapped atomically; in-flight resolutions finish on the runner they
// started with.
package scriptwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

// debounce absorbs the write bursts editors produce when saving.
const debounce = 300 * time.Millisecond

// Watcher owns the active script runner and rebuilds it when the script
// file changes on disk.
type Watcher struct {
	opts    scriptrunner.Options
	client  *httpx.Client
	metrics *telemetry.Metrics
	bus     *events.Bus
	log     zerolog.Logger
	baseLog zerolog.Logger

	mu     sync.RWMutex
	runner *scriptrunner.Runner

	fs        *fsnotify.Watcher
	pending   *time.Timer
	pendingMu sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New loads the script at opts.Path and starts watching it. A script that
// fails to load at startup is an error; later reload failures keep the old
// runner and only log.
func New(opts scriptrunner.Options, client *httpx.Client, metrics *telemetry.Metrics, bus *events.Bus, log zerolog.Logger) (*Watcher, error) {
	w := &Watcher{
		opts:    opts,
		client:  client,
		metrics: metrics,
		bus:     bus,
		log:     log.With().Str("component", "scriptwatch").Logger(),
		baseLog: log,
		done:    make(chan struct{}),
	}

	runner, err := scriptrunner.New(opts, client, log)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	w.runner = runner

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w.fs = fs

	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err := fs.Add(filepath.Dir(opts.Path)); err != nil {
		runner.Close()
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.Path, err)
	}

	go w.watch()
	w.log.Info().Str("path", opts.Path).Str("script", runner.Header().Name).Msg("script loaded")
	return w, nil
}

// Script implements resolve.ScriptProvider.
func (w *Watcher) Script() resolve.ScriptSource {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.runner == nil {
		return nil
	}
	return w.runner
}

// Lyric delegates to the active runner.
func (w *Watcher) Lyric(ctx context.Context, source models.SourceKey, song *models.Song) (string, error) {
	w.mu.RLock()
	runner := w.runner
	w.mu.RUnlock()
	if runner == nil {
		return "", scriptrunner.ErrClosed
	}
	return runner.Lyric(ctx, source, song)
}

// PicURL delegates to the active runner.
func (w *Watcher) PicURL(ctx context.Context, source models.SourceKey, song *models.Song) (string, error) {
	w.mu.RLock()
	runner := w.runner
	w.mu.RUnlock()
	if runner == nil {
		return "", scriptrunner.ErrClosed
	}
	return runner.PicURL(ctx, source, song)
}

// Header describes the active script.
func (w *Watcher) Header() scriptrunner.Header {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.runner == nil {
		return scriptrunner.Header{}
	}
	return w.runner.Header()
}

// Close stops watching and shuts the active runner down.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fs.Close()
		w.mu.Lock()
		if w.runner != nil {
			w.runner.Close()
			w.runner = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.opts.Path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounce, w.Reload)
}

// Reload rebuilds the runner from disk and swaps it in. Failure keeps the
// previous runner serving.
func (w *Watcher) Reload() {
	select {
	case <-w.done:
		return
	default:
	}

	runner, err := scriptrunner.New(w.opts, w.client, w.baseLog)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.opts.Path).Msg("script reload failed, keeping previous runner")
		if w.bus != nil {
			w.bus.Publish(events.EventNotification, events.Payload{
				"message": "script reload failed: " + err.Error(),
			})
		}
		return
	}

	w.mu.Lock()
	old := w.runner
	w.runner = runner
	w.mu.Unlock()
	if old != nil {
		old.CloseWhenIdle()
	}

	if w.metrics != nil {
		w.metrics.ScriptReloads.Inc()
	}
	if w.bus != nil {
		w.bus.Publish(events.EventScriptReloaded, events.Payload{
			"name":    runner.Header().Name,
			"version": runner.Header().Version,
		})
	}
	w.log.Info().Str("script", runner.Header().Name).Str("version", runner.Header().Version).Msg("script reloaded")
}
