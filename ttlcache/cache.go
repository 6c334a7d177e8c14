// Package ttlcache provides a concurrency-safe key/value cache in which every
// entry may carry its own expiry timer.
//
// Each key owns at most one live timer. Setting a new TTL for a key cancels the
// previous timer before arming the next one, and a timer that fires after it
// has been superseded is recognised and ignored. Reads also compare the entry's
// deadline against the clock, so an expired value is never returned even when
// its timer has not run yet.
//
// The cache can optionally be bounded; once full, the least recently used
// entry is evicted and its timer cancelled.
package ttlcache

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// NoExpiry disables expiry for an entry when passed as a TTL.
const NoExpiry time.Duration = math.MaxInt64

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock    clock.Clock
	capacity int
}

// WithClock sets the clock used for deadlines and timers. Defaults to the
// wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithCapacity bounds the number of entries. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

type entry[V any] struct {
	value    V
	deadline time.Time // zero when the entry never expires
	timer    *clock.Timer
	gen      uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// stop cancels the pending timer, if any. Safe to call repeatedly.
func (e *entry[V]) stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Cache is a key/value store with per-entry expiry. The zero value is not
// usable; construct with New.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	clock clock.Clock
	items *lru.Cache[K, *entry[V]]
}

// New constructs an empty cache.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	size := o.capacity
	if size <= 0 {
		size = math.MaxInt
	}

	// The eviction callback runs for capacity evictions, Remove and Purge,
	// always on the goroutine holding c.mu.
	items, err := lru.NewWithEvict[K, *entry[V]](size, func(_ K, e *entry[V]) { e.stop() })
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Cache[K, V]{clock: o.clock, items: items}
}

// Get returns the value stored under key. Expired entries are reported absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items.Get(key)
	if !ok {
		return zero, false
	}
	if e.expired(c.clock.Now()) {
		c.items.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous value and timer. A ttl
// of NoExpiry keeps the entry until it is deleted; a ttl of zero or less
// expires it immediately.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gen uint64
	if old, ok := c.items.Peek(key); ok {
		old.stop()
		gen = old.gen
	}
	if ttl <= 0 {
		c.items.Remove(key)
		return
	}

	e := &entry[V]{value: value, gen: gen}
	c.arm(key, e, ttl)
	c.items.Add(key, e)
}

// SetTTL re-arms the expiry of an existing key without touching its value.
// NoExpiry disarms it. Absent or already expired keys are left alone.
func (c *Cache[K, V]) SetTTL(key K, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if !ok {
		return
	}
	if ttl <= 0 || e.expired(c.clock.Now()) {
		c.items.Remove(key)
		return
	}
	c.arm(key, e, ttl)
}

// Delete removes key and cancels its timer. Deleting an absent key is a no-op.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// Len reports the number of stored entries, including expired entries whose
// timers have not fired yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Purge removes every entry and cancels all timers.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// arm replaces e's timer. Callers hold c.mu.
func (c *Cache[K, V]) arm(key K, e *entry[V], ttl time.Duration) {
	e.stop()
	e.gen++
	if ttl == NoExpiry {
		e.deadline = time.Time{}
		return
	}
	e.deadline = c.clock.Now().Add(ttl)
	gen := e.gen
	e.timer = c.clock.AfterFunc(ttl, func() { c.expire(key, e, gen) })
}

// expire runs on the timer goroutine. A timer that lost a race with SetTTL,
// Set or Delete finds a different entry or generation and does nothing.
func (c *Cache[K, V]) expire(key K, e *entry[V], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.items.Peek(key)
	if !ok || cur != e || cur.gen != gen {
		return
	}
	c.items.Remove(key)
}
