// Package lookup provides a TTL bounded cache of a single value obtained from an external
// source. Concurrent readers of a stale or empty cache share one fetch, and the network
// fetch never runs while holding the cache lock.
package lookup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

var ErrInvalidTTL = errors.New("cache TTL must be positive")

// FetchFunc obtains a fresh value from the external source.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, mainly for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

type Cache[V any] struct {
	ttl   time.Duration
	fetch FetchFunc[V]
	now   func() time.Time
	group singleflight.Group

	mu        sync.RWMutex
	value     V
	valid     bool
	refreshed time.Time

	fetches int64
}

func New[V any](ttl time.Duration, fetch FetchFunc[V], opts ...Option[V]) (*Cache[V], error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if fetch == nil {
		return nil, errors.New("no fetch func provided")
	}
	c := &Cache[V]{
		ttl:   ttl,
		fetch: fetch,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value if it was refreshed at most TTL ago. Otherwise the value is
// fetched, with concurrent callers sharing a single fetch. A failed fetch leaves the
// previous value in place and the error is returned to all waiting callers.
func (c *Cache[V]) Get(ctx context.Context) (V, error) {

	if v, ok := c.fresh(); ok {
		return v, nil
	}

	// The shared fetch must not be canceled by the first caller leaving
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if v, ok := c.fresh(); ok {
			return v, nil
		}

		v, err := c.fetch(context.WithoutCancel(ctx))
		atomic.AddInt64(&c.fetches, 1)
		if err != nil {
			return v, errors.Wrap(err, "cache refresh")
		}

		c.Set(v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Peek returns the current value regardless of its age, and whether there is one.
func (c *Cache[V]) Peek() (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.valid
}

// Set stores v as a freshly refreshed value.
func (c *Cache[V]) Set(v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.valid = true
	c.refreshed = c.now()
}

// Invalidate forces the next Get to fetch.
func (c *Cache[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// Fetches returns the number of fetches performed, including failed ones.
func (c *Cache[V]) Fetches() int64 {
	return atomic.LoadInt64(&c.fetches)
}

func (c *Cache[V]) fresh() (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.valid && c.now().Sub(c.refreshed) <= c.ttl {
		return c.value, true
	}
	var zero V
	return zero, false
}
