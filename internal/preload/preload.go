/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package preload warms resolutions for upcoming tracks. Concurrent warms
// of the same song collapse into one resolution; a consumed entry belongs
// to the caller, a cancelled one is simply dropped.
package preload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

// ResolveFunc resolves a song outside any playback request.
type ResolveFunc func(ctx context.Context, song *models.Song, quality models.Quality) (*models.Resolution, error)

// Entry is a warmed resolution.
type Entry struct {
	Song       *models.Song
	Resolution *models.Resolution
	LoadedAt   time.Time
}

// Cache holds warmed entries keyed by song id.
type Cache struct {
	resolve ResolveFunc
	metrics *telemetry.Metrics
	log     zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[int64]*Entry
}

// NewCache creates a preload cache.
func NewCache(resolve ResolveFunc, metrics *telemetry.Metrics, log zerolog.Logger) *Cache {
	return &Cache{
		resolve: resolve,
		metrics: metrics,
		log:     log.With().Str("component", "preload").Logger(),
		entries: make(map[int64]*Entry),
	}
}

// Preload warms a song. Duplicate in-flight warms share one resolution.
func (c *Cache) Preload(ctx context.Context, song *models.Song, quality models.Quality) (*Entry, error) {
	c.mu.Lock()
	if entry, ok := c.entries[song.ID]; ok && !entry.Resolution.Expired(time.Now()) {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	key := fmt.Sprintf("%d:%s", song.ID, quality)
	result, err, _ := c.group.Do(key, func() (any, error) {
		res, err := c.resolve(ctx, song, quality)
		if err != nil {
			return nil, err
		}
		entry := &Entry{Song: song, Resolution: res, LoadedAt: time.Now()}
		c.mu.Lock()
		c.entries[song.ID] = entry
		c.mu.Unlock()
		c.log.Debug().Int64("song_id", song.ID).Str("quality", string(quality)).Msg("song preloaded")
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

// Consume hands a warmed entry to the caller and forgets it. The entry
// stays usable; consumption is not cancellation.
func (c *Cache) Consume(songID int64) (*Entry, bool) {
	c.mu.Lock()
	entry, ok := c.entries[songID]
	if ok {
		delete(c.entries, songID)
	}
	c.mu.Unlock()

	if ok && entry.Resolution.Expired(time.Now()) {
		ok = false
		entry = nil
	}
	if c.metrics != nil {
		if ok {
			c.metrics.PreloadHits.Inc()
		} else {
			c.metrics.PreloadMisses.Inc()
		}
	}
	return entry, ok
}

// Cancel drops a warmed entry without using it.
func (c *Cache) Cancel(songID int64) {
	c.mu.Lock()
	delete(c.entries, songID)
	c.mu.Unlock()
}

// Has reports whether a fresh entry exists for the song.
func (c *Cache) Has(songID int64) bool {
	c.mu.Lock()
	entry, ok := c.entries[songID]
	c.mu.Unlock()
	return ok && !entry.Resolution.Expired(time.Now())
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[int64]*Entry)
	c.mu.Unlock()
}
