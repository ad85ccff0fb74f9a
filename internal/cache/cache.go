// Package cache is a bounded in-memory TTL cache with least-recently-used
// eviction and per-key request coalescing. It backs both response
// memoization on the read path and upstream session storage.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) (any, error)

type item struct {
	key       string
	value     any
	expiresAt time.Time
	prev      *item
	next      *item
}

type Cache struct {
	maxEntries int

	mu    sync.Mutex
	items map[string]*item
	head  *item
	tail  *item

	sf singleflight.Group

	now     func() time.Time
	metrics *metrics.Metrics
}

// New returns a cache holding at most maxEntries keys. m may be nil.
func New(maxEntries int, m *metrics.Metrics) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache{
		maxEntries: maxEntries,
		items:      map[string]*item{},
		now:        time.Now,
		metrics:    m,
	}
}

// Get returns the value for key if it is present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || !c.now().Before(it.expiresAt) {
		return nil, false
	}
	c.moveToFront(it)
	return it.value, true
}

// Has reports whether key holds an unexpired value without touching recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	return ok && c.now().Before(it.expiresAt)
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = expiresAt
		c.moveToFront(it)
		return
	}

	if len(c.items) >= c.maxEntries {
		c.evictLocked()
	}

	it := &item{key: key, value: value, expiresAt: expiresAt}
	c.items[key] = it
	c.addToFront(it)
	c.setSizeLocked()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.setSizeLocked()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache) Purge() int { return c.PurgeOlderThan(0) }

// PurgeOlderThan drops entries that expired at least grace ago. Entries
// expired for less than grace stay available to GetOrComputeFallback.
func (c *Cache) PurgeOlderThan(grace time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.dropExpiredLocked(grace)
	c.setSizeLocked()
	return n
}

// GetOrCompute returns the cached value for key or runs compute to fill it.
// Concurrent callers for the same missing key share one compute call and
// observe the same value or the same error. Errors are never stored.
//
// compute runs detached from the first caller's cancellation so a caller
// that gives up does not fail the others; each caller still stops waiting
// when its own ctx is done.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (any, error) {
	if v, ok := c.Get(key); ok {
		c.observe("hit")
		return v, nil
	}

	ch := c.sf.DoChan(key, func() (any, error) {
		// Another flight may have stored the key between Get and DoChan.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.observe("coalesced")
		} else {
			c.observe("miss")
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetOrComputeFallback behaves like GetOrCompute but, when compute fails and
// an expired value for key is still held, returns that value with stale set.
// This is the only way an expired value ever leaves the cache.
func (c *Cache) GetOrComputeFallback(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (v any, stale bool, err error) {
	v, err = c.GetOrCompute(ctx, key, ttl, compute)
	if err == nil {
		return v, false, nil
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok {
		v = it.value
	}
	c.mu.Unlock()
	if !ok {
		return nil, false, err
	}
	c.observe("stale")
	return v, true, nil
}

// Compute is the typed form of GetOrCompute.
func Compute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: key %q holds %T, want %T", key, v, zero)
	}
	return out, nil
}

// evictLocked makes room for one entry: expired entries go first, then the
// least recently used one.
func (c *Cache) evictLocked() {
	if c.dropExpiredLocked(0) > 0 && len(c.items) < c.maxEntries {
		return
	}
	for len(c.items) >= c.maxEntries && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		if c.metrics != nil {
			c.metrics.CacheEvictions.WithLabelValues("capacity").Inc()
		}
	}
}

func (c *Cache) dropExpiredLocked(grace time.Duration) int {
	now := c.now().Add(-grace)
	n := 0
	for it := c.tail; it != nil; {
		prev := it.prev
		if !now.Before(it.expiresAt) {
			c.remove(it)
			delete(c.items, it.key)
			n++
		}
		it = prev
	}
	if n > 0 && c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues("expired").Add(float64(n))
	}
	return n
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (c *Cache) setSizeLocked() {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.items)))
	}
}

func (c *Cache) addToFront(it *item) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Cache) remove(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Cache) moveToFront(it *item) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
