// Package cache is a bounded TTL cache for upstream payloads. Refills are
// coalesced per key and limited by a process-wide semaphore; a failed
// refill is reported to its callers only and leaves other keys alone.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ErrUpstream wraps refill failures
var ErrUpstream = errors.New("cache: upstream fetch failed")

// Entry is one cached payload
type Entry struct {
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Backend stores entries. Implementations expire entries on their own
// after the TTL they were built with.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Len(ctx context.Context) (int, error)
	// EvictOldest removes the entry with the oldest FetchedAt
	EvictOldest(ctx context.Context) (bool, error)
}

// FetchFunc loads a key from upstream
type FetchFunc func(ctx context.Context, key string) ([]byte, error)

// Options configures a Cache
type Options struct {
	// Name labels the cache in metrics
	Name           string
	MaxConcurrency int64
	MaxEntries     int
}

// Cache fronts a Backend with coalescing and a concurrency limit
type Cache struct {
	name       string
	backend    Backend
	group      singleflight.Group
	sem        *semaphore.Weighted
	maxEntries int
	now        func() time.Time
	logger     zerolog.Logger

	storeMu sync.Mutex
}

// New creates a cache over backend
func New(backend Backend, opts Options) *Cache {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Cache{
		name:       opts.Name,
		backend:    backend,
		sem:        semaphore.NewWeighted(opts.MaxConcurrency),
		maxEntries: opts.MaxEntries,
		now:        time.Now,
		logger:     log.WithComponent("cache").With().Str("cache", opts.Name).Logger(),
	}
}

// Name returns the metrics label
func (c *Cache) Name() string {
	return c.name
}

// Len reports the number of stored entries, 0 if the backend is unreachable
func (c *Cache) Len(ctx context.Context) int {
	n, err := c.backend.Len(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to count cache entries")
		return 0
	}
	return n
}

// Lookup returns the cached payload for key if it is younger than maxAge
func (c *Cache) Lookup(ctx context.Context, key string, maxAge time.Duration) ([]byte, bool) {
	e, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache backend read failed")
		return nil, false
	}
	if !ok || c.now().Sub(e.FetchedAt) >= maxAge {
		return nil, false
	}
	return e.Data, true
}

// GetOrFetch returns the cached payload when fresh enough, otherwise fetches
// it once for all concurrent callers of the same key.
func (c *Cache) GetOrFetch(ctx context.Context, key string, maxAge time.Duration, fetch FetchFunc) ([]byte, error) {
	return c.GetOrFetchAs(ctx, c.name, key, maxAge, fetch)
}

// GetOrFetchAs is GetOrFetch with hits, misses and upstream errors counted
// under label. Callers with different labels still share one refill per key
// and one concurrency limit.
func (c *Cache) GetOrFetchAs(ctx context.Context, label, key string, maxAge time.Duration, fetch FetchFunc) ([]byte, error) {
	if data, ok := c.Lookup(ctx, key, maxAge); ok {
		metrics.RecordCacheHit(label)
		return data, nil
	}
	metrics.RecordCacheMiss(label)

	ch := c.group.DoChan(key, func() (any, error) {
		// detached so one caller going away does not fail the others
		fctx := context.WithoutCancel(ctx)
		if err := c.sem.Acquire(fctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)

		data, err := fetch(fctx, key)
		if err != nil {
			metrics.RecordCacheUpstreamError(label)
			c.logger.Warn().Err(err).Str("key", key).Msg("Upstream refill failed")
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, key, err)
		}
		c.store(fctx, key, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// store writes key, evicting the oldest entries first when a new key would
// exceed MaxEntries. Write failures are logged; the caller already has data.
func (c *Cache) store(ctx context.Context, key string, data []byte) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if c.maxEntries > 0 {
		if _, exists, _ := c.backend.Get(ctx, key); !exists {
			for {
				n, err := c.backend.Len(ctx)
				if err != nil || n < c.maxEntries {
					break
				}
				evicted, err := c.backend.EvictOldest(ctx)
				if err != nil || !evicted {
					break
				}
			}
		}
	}

	if err := c.backend.Set(ctx, key, Entry{Data: data, FetchedAt: c.now()}); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache backend write failed")
	}
}
