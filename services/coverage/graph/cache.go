// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Control Dependence Cache
// =============================================================================

const (
	// DefaultCacheCapacity is the number of methods kept by default.
	DefaultCacheCapacity = 512

	// DefaultCacheConcurrency bounds parallel builds in Prebuild.
	DefaultCacheConcurrency = 4
)

// CFGProvider hands out control-flow graphs by method.
type CFGProvider interface {
	CFG(key cfg.MethodKey) (*cfg.Graph, error)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached methods.
	Capacity int

	// Concurrency bounds the builds Prebuild runs at once.
	Concurrency int

	// MaxNodes is passed to the dominator builder.
	MaxNodes int

	// Logger receives build diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultCacheConfig returns production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:    DefaultCacheCapacity,
		Concurrency: DefaultCacheConcurrency,
		MaxNodes:    DefaultMaxDominatorNodes,
	}
}

type cachedCDG struct {
	cdg *ControlDependenceGraph
	err error
}

// Cache builds control dependence graphs on demand and keeps them per
// (class, method).
//
// Description:
//
//	Concurrent requests for the same method share one build through a
//	singleflight group. Structure errors are cached together with the
//	empty graph they produced, so a malformed method is analysed once.
//	Provider errors are not cached.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	provider CFGProvider
	config   CacheConfig
	entries  *lruCache[cfg.MethodKey, cachedCDG]
	group    singleflight.Group
}

// NewCache creates a cache over provider.
func NewCache(provider CFGProvider, config CacheConfig) *Cache {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultCacheConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Cache{
		provider: provider,
		config:   config,
		entries:  newLRUCache[cfg.MethodKey, cachedCDG](config.Capacity),
	}
}

// ControlDependenceGraph returns the CDG of key, building it on a miss.
//
// Outputs:
//   - *ControlDependenceGraph: Possibly empty when the method's CFG is
//     malformed. Nil only when the provider failed.
//   - error: The provider or build error.
func (c *Cache) ControlDependenceGraph(ctx context.Context, key cfg.MethodKey) (*ControlDependenceGraph, error) {
	if e, ok := c.entries.get(key); ok {
		recordCacheLookup(ctx, "hit")
		return e.cdg, e.err
	}

	v, err, shared := c.group.Do(key.Class+"\x00"+key.Method, func() (any, error) {
		if e, ok := c.entries.get(key); ok {
			return e, nil
		}
		g, err := c.provider.CFG(key)
		if err != nil {
			return nil, fmt.Errorf("cfg of %s: %w", key, err)
		}
		cdg, buildErr := BuildControlDependence(ctx, g,
			WithCDGLogger(c.config.Logger), WithCDGMaxNodes(c.config.MaxNodes))
		e := cachedCDG{cdg: cdg, err: buildErr}
		if cdg != nil && ctx.Err() == nil {
			c.entries.set(key, e)
		}
		return e, nil
	})
	if shared {
		recordCacheLookup(ctx, "shared")
	} else {
		recordCacheLookup(ctx, "miss")
	}
	if err != nil {
		return nil, err
	}
	e := v.(cachedCDG)
	return e.cdg, e.err
}

// Prebuild builds the CDGs of keys in parallel.
//
// Description:
//
//	At most Concurrency builds run at once. Per-method failures are logged
//	and cached like any other lookup; only context cancellation aborts the
//	whole call.
func (c *Cache) Prebuild(ctx context.Context, keys []cfg.MethodKey) error {
	logger := telemetry.LoggerWithTrace(ctx, c.config.Logger)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := c.ControlDependenceGraph(gctx, key); err != nil {
				logger.Warn("control dependence prebuild failed",
					slog.String("method", key.String()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Invalidate drops key from the cache.
func (c *Cache) Invalidate(key cfg.MethodKey) bool {
	return c.entries.remove(key)
}

// Purge empties the cache.
func (c *Cache) Purge() { c.entries.purge() }

// Len returns the number of cached methods.
func (c *Cache) Len() int { return c.entries.len() }

// Stats returns hit, miss and eviction counts since creation or Purge.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.entries.hits.Load(), c.entries.misses.Load(), c.entries.evictions.Load()
}
