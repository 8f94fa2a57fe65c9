// ABOUTME: Thread-safe TTL cache for suppressing redelivered inbound events.
// ABOUTME: Expired entries are purged lazily on write once the cache grows past its bound.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for webhook redelivery windows
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 2000
)

// cacheEntry stores the first-seen timestamp and list element for a cached key.
type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache provides a thread-safe, TTL-based set of seen event ids.
// The order list holds keys by first-seen time (oldest at front), so expired
// entries are always a prefix of it.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL sets how long an id is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxSize sets the size above which expired entries are purged.
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a new dedupe cache. There is no background goroutine.
func New(opts ...Option) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     DefaultTTL,
		maxSize: DefaultMaxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen inside the TTL window (duplicate),
// false if it's new and now marked. Empty keys are never duplicates and are not recorded.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.seenAt) < c.ttl {
			return true
		}
		// Expired: forget it and record a fresh sighting at the back
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	if len(c.seen) > c.maxSize {
		c.purgeExpiredLocked(now)
	}

	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
	return false
}

// purgeExpiredLocked removes expired entries from the front of the order list.
// Must be called with mu held. Unexpired entries are never evicted, so the set
// may exceed maxSize when every entry is still inside its window.
func (c *Cache) purgeExpiredLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Len returns the number of recorded ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Set holds one Cache per event source, so ids from different platforms never collide.
type Set struct {
	mu     sync.Mutex
	caches map[string]*Cache
	opts   []Option
}

// NewSet creates a Set whose per-source caches are built with opts.
func NewSet(opts ...Option) *Set {
	return &Set{
		caches: make(map[string]*Cache),
		opts:   opts,
	}
}

// IsDuplicate reports whether id was already seen for source, recording it if not.
func (s *Set) IsDuplicate(source, id string) bool {
	if id == "" {
		return false
	}
	return s.For(source).CheckAndMark(id)
}

// For returns the cache for a source, creating it on first use.
func (s *Set) For(source string) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[source]
	if !ok {
		c = New(s.opts...)
		s.caches[source] = c
	}
	return c
}

// Stats returns the number of recorded ids per source.
func (s *Set) Stats() map[string]int {
	s.mu.Lock()
	sources := make(map[string]*Cache, len(s.caches))
	for name, c := range s.caches {
		sources[name] = c
	}
	s.mu.Unlock()

	stats := make(map[string]int, len(sources))
	for name, c := range sources {
		stats[name] = c.Len()
	}
	return stats
}
