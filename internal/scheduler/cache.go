package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smartdevs17/dao-reconciler/internal/metrics"
)

// FetchFunc produces a fresh value for a cache key
type FetchFunc func(ctx context.Context) (interface{}, error)

type cacheEntry struct {
	value     interface{}
	fetchedAt time.Time
}

// QueryCache holds the last successful result of each query. Concurrent
// fetches of the same key share one call, which runs detached from any single
// caller's cancellation and is bounded by the fetch timeout instead.
type QueryCache struct {
	group        singleflight.Group
	mu           sync.RWMutex
	entries      map[string]cacheEntry
	metrics      *metrics.Manager
	now          func() time.Time
	fetchTimeout time.Duration
}

// NewQueryCache creates an empty cache
func NewQueryCache(metricsManager *metrics.Manager) *QueryCache {
	return &QueryCache{
		entries: make(map[string]cacheEntry),
		metrics: metricsManager,
		now:     time.Now,
	}
}

// SetFetchTimeout bounds each shared fetch. Zero leaves it unbounded.
func (c *QueryCache) SetFetchTimeout(timeout time.Duration) {
	c.fetchTimeout = timeout
}

// Fetch returns the cached value for key if it is younger than staleTime,
// otherwise it runs fn. A zero staleTime always fetches. Errors are not cached.
func (c *QueryCache) Fetch(ctx context.Context, key string, staleTime time.Duration, fn FetchFunc) (interface{}, error) {
	if staleTime > 0 {
		if value, ok := c.lookup(key, staleTime); ok {
			c.recordLookup(true)
			return value, nil
		}
	}
	c.recordLookup(false)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := c.fetchContext(ctx)
		defer cancel()

		value, err := fn(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: value, fetchedAt: c.now()}
		c.mu.Unlock()
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// fetchContext keeps the caller's values but not its cancellation, so one
// waiter giving up does not fail the others.
func (c *QueryCache) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.fetchTimeout > 0 {
		return context.WithTimeout(detached, c.fetchTimeout)
	}
	return context.WithCancel(detached)
}

func (c *QueryCache) lookup(key string, staleTime time.Duration) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.fetchedAt) >= staleTime {
		return nil, false
	}
	return entry.value, true
}

// Invalidate drops one key
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every key
func (c *QueryCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached keys
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QueryCache) recordLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.GetPrometheusMetrics().RecordCacheLookup(hit)
	}
}
