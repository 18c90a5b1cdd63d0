/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package failcache remembers which resolution strategies already failed for
// a song, and holds recently resolved URLs, so retries within a session skip
// known-dead paths. Redis-backed when available, in-memory otherwise.
package failcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/models"
)

// Default TTL values.
const (
	DefaultFailedTTL = 30 * time.Minute
	DefaultURLTTL    = 30 * time.Minute
)

// Key prefixes for Redis.
const (
	KeyFailed = "tonearm:failed:" // + song_id:strategy
	KeyURL    = "tonearm:url:"    // + song_id:quality
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FailedTTL time.Duration
	URLTTL    time.Duration

	// If true, disable Redis on errors and fall back to memory.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		FailedTTL:      DefaultFailedTTL,
		URLTTL:         DefaultURLTTL,
		DisableOnError: true,
	}
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// Cache provides Redis-backed memoization with an in-memory fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
	memory   map[string]memoryEntry
}

// New creates a cache. A missing or unreachable Redis is not an error; the
// cache runs on memory alone.
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = DefaultFailedTTL
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = DefaultURLTTL
	}

	c := &Cache{
		logger: logger.With().Str("component", "failcache").Logger(),
		config: cfg,
		memory: make(map[string]memoryEntry),
	}

	if cfg.RedisAddr == "" {
		c.disabled = true
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis unavailable, using in-memory fallback")
		c.disabled = true
		return c
	}

	c.logger.Info().Str("addr", cfg.RedisAddr).Msg("redis cache initialized")
	c.client = client
	return c
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Cache) redisAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling redis due to error, continuing on memory")
	}
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if c.redisAvailable() {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err == nil {
			return
		} else {
			c.handleError(err, "set")
		}
	}
	c.mu.Lock()
	c.memory[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if c.redisAvailable() {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(data, dest) == nil
		}
		if err != redis.Nil {
			c.handleError(err, "get")
		} else {
			return false
		}
	}
	c.mu.RLock()
	entry, ok := c.memory[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	return json.Unmarshal(entry.data, dest) == nil
}

func (c *Cache) delete(ctx context.Context, key string) {
	if c.redisAvailable() {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.handleError(err, "delete")
		}
	}
	c.mu.Lock()
	delete(c.memory, key)
	c.mu.Unlock()
}

func failedKey(songID int64, strategy string) string {
	return fmt.Sprintf("%s%d:%s", KeyFailed, songID, strategy)
}

func urlKey(songID int64, quality models.Quality) string {
	return fmt.Sprintf("%s%d:%s", KeyURL, songID, quality)
}

// MarkFailed records that a strategy failed for a song.
func (c *Cache) MarkFailed(ctx context.Context, songID int64, strategy string) {
	c.set(ctx, failedKey(songID, strategy), true, c.config.FailedTTL)
}

// Failed reports whether a strategy recently failed for a song.
func (c *Cache) Failed(ctx context.Context, songID int64, strategy string) bool {
	var flag bool
	return c.get(ctx, failedKey(songID, strategy), &flag) && flag
}

// ClearFailed forgets a failed strategy, e.g. after a script reload.
func (c *Cache) ClearFailed(ctx context.Context, songID int64, strategy string) {
	c.delete(ctx, failedKey(songID, strategy))
}

// cachedURL is the stored form of a resolution.
type cachedURL struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Source     models.SourceKey  `json:"source"`
	Quality    models.Quality    `json:"quality"`
	ResolvedAt time.Time         `json:"resolved_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// PutURL caches a resolved URL for its remaining lifetime.
func (c *Cache) PutURL(ctx context.Context, songID int64, res *models.Resolution) {
	ttl := c.config.URLTTL
	if !res.ExpiresAt.IsZero() {
		if remaining := time.Until(res.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	c.set(ctx, urlKey(songID, res.Quality), cachedURL{
		URL:        res.URL,
		Method:     string(res.Method),
		Source:     res.Source,
		Quality:    res.Quality,
		ResolvedAt: res.ResolvedAt,
		ExpiresAt:  res.ExpiresAt,
	}, ttl)
}

// GetURL returns a cached, unexpired resolution for the song and quality.
func (c *Cache) GetURL(ctx context.Context, songID int64, quality models.Quality) (*models.Resolution, bool) {
	var stored cachedURL
	if !c.get(ctx, urlKey(songID, quality), &stored) {
		return nil, false
	}
	res := &models.Resolution{
		URL:        stored.URL,
		Method:     models.ResolveMethod(stored.Method),
		Source:     stored.Source,
		Quality:    stored.Quality,
		ResolvedAt: stored.ResolvedAt,
		ExpiresAt:  stored.ExpiresAt,
	}
	if res.Expired(time.Now()) {
		c.delete(ctx, urlKey(songID, quality))
		return nil, false
	}
	return res, true
}

// InvalidateURL drops the cached URL for a song and quality.
func (c *Cache) InvalidateURL(ctx context.Context, songID int64, quality models.Quality) {
	c.delete(ctx, urlKey(songID, quality))
}
