// Package ttlcache provides a small generic cache whose entries expire a
// fixed duration after they were stored.
//
// Expired entries are evicted lazily, on the lookup that finds them; there
// is no background sweeper. Like the rest of the session state, a Cache is
// not safe for concurrent use.
package ttlcache

import "time"

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache maps keys to values that stay valid for TTL.
type Cache[K comparable, V any] struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an empty cache. A non-positive ttl disables caching: every
// Get misses.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the value for key if it exists and now - storedAt < TTL. An
// expired entry is deleted before reporting the miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, stamped with the current time.
func (c *Cache[K, V]) Put(key K, value V) {
	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
}

// Delete drops key.
func (c *Cache[K, V]) Delete(key K) {
	delete(c.entries, key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	clear(c.entries)
}

// Len returns the number of stored entries, expired ones included until
// they are looked up.
func (c *Cache[K, V]) Len() int {
	return len(c.entries)
}
