/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache provides the content-addressed memoization layer for
// third-party API results (weather, holidays, geocoding).
//
// The manager is tiered: L1 Redis shared across processes, L2 in-process
// memory. Reads check L1 then L2; a hit on L1 backfills L2. Writes go to
// both tiers. A miss that triggers an upstream fetch is deduplicated per
// key with singleflight, so concurrent enrichment of the same fingerprint
// performs at most one upstream call.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jennahq/jenna/pkg/metrics"
)

// Manager is the cache contract consumed by the enrichment pipeline.
// Get returns (nil, nil) on a miss.
type Manager interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// FetchFunc produces the value for a key on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// TieredCache is the L1 Redis + L2 memory Manager implementation.
type TieredCache struct {
	redis   *redis.Client
	memory  *memoryTier
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// Config holds TieredCache construction options.
type Config struct {
	Redis      *redis.Client // nil disables the L1 tier
	MaxEntries int           // L2 capacity, default 10000
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewTiered builds a tiered cache. The Redis tier is optional; without it
// the cache degrades to in-process memoization only.
func NewTiered(cfg Config) *TieredCache {
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredCache{
		redis:   cfg.Redis,
		memory:  newMemoryTier(maxEntries),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Get checks L1 then L2. Redis errors degrade to the memory tier rather
// than failing the read.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.hit("redis")
			c.memory.set(key, data, 0)
			return data, nil
		case err == redis.Nil:
			c.miss("redis")
		default:
			c.logger.Warn("redis cache read failed, falling back to memory tier",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	if data, ok := c.memory.get(key); ok {
		c.hit("memory")
		return data, nil
	}
	c.miss("memory")
	return nil, nil
}

// Set writes both tiers. ttl <= 0 means no expiry.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.memory.set(key, value, ttl)
	if c.redis == nil {
		return nil
	}
	var redisTTL time.Duration
	if ttl > 0 {
		redisTTL = ttl
	}
	if err := c.redis.Set(ctx, key, value, redisTTL).Err(); err != nil {
		// The memory tier already holds the value; a Redis write failure
		// costs cross-process sharing, not correctness.
		c.logger.Warn("redis cache write failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes the key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.memory.delete(key)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// GetOrFetch returns the cached value for key, or invokes fetch exactly
// once per key across concurrent callers and stores the result.
func (c *TieredCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	if data, err := c.Get(ctx, key); err == nil && data != nil {
		return data, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent fetch may have landed.
		if data, err := c.Get(ctx, key); err == nil && data != nil {
			return data, nil
		}
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(ctx, key, data, ttl); setErr != nil {
			c.logger.Warn("cache population failed after fetch",
				zap.String("key", key),
				zap.Error(setErr))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("fetch deduplicated by singleflight", zap.String("key", key))
	}
	return v.([]byte), nil
}

// HealthCheck pings the Redis tier. The memory tier cannot fail.
func (c *TieredCache) HealthCheck(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection, if any.
func (c *TieredCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *TieredCache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (c *TieredCache) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}
