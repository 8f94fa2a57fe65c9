// ABOUTME: In-process TTL cache of conversation mappings with forward, reverse and per-user indexes
// ABOUTME: Record and Observe are the only insert paths so the three indexes never disagree

package mapping

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/deskbridge/internal/store"
)

// Cache defaults
const (
	DefaultCacheTTL        = 30 * time.Minute
	DefaultCacheMaxEntries = 1000
)

type forwardKey struct {
	clientConversationID string
	platform             store.Platform
}

type reverseKey struct {
	platform store.Platform
	id       string
}

type cacheEntry struct {
	mapping  store.Mapping
	storedAt time.Time
}

// CacheStats is a point-in-time view of the cache indexes.
type CacheStats struct {
	Entries    int `json:"entries"`
	Expired    int `json:"expired"`
	ReverseIDs int `json:"reverse_ids"`
	Users      int `json:"users"`
	MaxEntries int `json:"max_entries"`
	TTLSeconds int `json:"ttl_seconds"`
}

// Cache holds recently used mappings. All lookups return copies.
type Cache struct {
	mu         sync.RWMutex
	forward    map[forwardKey]*cacheEntry
	reverse    map[reverseKey]string
	users      map[reverseKey]string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithTTL sets how long an entry is served before the backend is consulted again.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries sets the forward index size at which expired entries are evicted.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		forward:    make(map[forwardKey]*cacheEntry),
		reverse:    make(map[reverseKey]string),
		users:      make(map[reverseKey]string),
		ttl:        DefaultCacheTTL,
		maxEntries: DefaultCacheMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record stores m as the newest state of its conversation and makes it the
// user's latest unresolved mapping. Use it for writes and latest-by-user reads.
func (c *Cache) Record(m store.Mapping) {
	c.record(m, true)
}

// Observe stores a mapping read by client or platform id. Such a read says
// nothing about the user's other conversations, so m only becomes the user's
// latest when it already was, or when it is newer than the live latest entry.
func (c *Cache) Observe(m store.Mapping) {
	c.record(m, false)
}

func (c *Cache) record(m store.Mapping, claimUser bool) {
	if m.ClientConversationID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := forwardKey{m.ClientConversationID, m.Platform}
	userKey := reverseKey{m.Platform, m.ClientUserID}

	wasLatest := false
	if prev, ok := c.forward[key]; ok {
		wasLatest = prev.mapping.ClientUserID == m.ClientUserID && c.users[userKey] == m.ClientConversationID
		c.unindexLocked(prev.mapping)
	} else if len(c.forward) >= c.maxEntries {
		c.evictExpiredLocked(now)
	}

	m = m.Clone()
	c.forward[key] = &cacheEntry{mapping: m, storedAt: now}

	for _, id := range m.PlatformIDs() {
		c.reverse[reverseKey{m.Platform, id}] = m.ClientConversationID
	}
	if m.ClientUserID != "" {
		switch {
		case m.IsResolved:
			if c.users[userKey] == m.ClientConversationID {
				delete(c.users, userKey)
			}
		case claimUser || wasLatest || c.supersedesLatestLocked(userKey, m, now):
			c.users[userKey] = m.ClientConversationID
		}
	}
}

// supersedesLatestLocked reports whether m was updated after the user's live latest entry.
func (c *Cache) supersedesLatestLocked(userKey reverseKey, m store.Mapping, now time.Time) bool {
	clientID, ok := c.users[userKey]
	if !ok || clientID == m.ClientConversationID {
		return false
	}
	entry, ok := c.forward[forwardKey{clientID, userKey.platform}]
	if !ok || now.Sub(entry.storedAt) >= c.ttl {
		return false
	}
	return entry.mapping.UpdatedAt.Before(m.UpdatedAt)
}

// unindexLocked drops reverse and user entries that still point at m.
func (c *Cache) unindexLocked(m store.Mapping) {
	for _, id := range m.PlatformIDs() {
		rk := reverseKey{m.Platform, id}
		if c.reverse[rk] == m.ClientConversationID {
			delete(c.reverse, rk)
		}
	}
	if m.ClientUserID != "" {
		uk := reverseKey{m.Platform, m.ClientUserID}
		if c.users[uk] == m.ClientConversationID {
			delete(c.users, uk)
		}
	}
}

// evictExpiredLocked removes the oldest half of the expired entries, rounded up.
func (c *Cache) evictExpiredLocked(now time.Time) {
	type aged struct {
		key      forwardKey
		storedAt time.Time
	}
	var expired []aged
	for k, e := range c.forward {
		if now.Sub(e.storedAt) >= c.ttl {
			expired = append(expired, aged{k, e.storedAt})
		}
	}
	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].storedAt.Before(expired[j].storedAt)
	})
	for _, a := range expired[:(len(expired)+1)/2] {
		c.removeLocked(a.key)
	}
}

func (c *Cache) removeLocked(key forwardKey) {
	entry, ok := c.forward[key]
	if !ok {
		return
	}
	c.unindexLocked(entry.mapping)
	delete(c.forward, key)
}

// liveLocked returns the unexpired forward entry for key.
func (c *Cache) liveLocked(key forwardKey) (store.Mapping, bool) {
	entry, ok := c.forward[key]
	if !ok || c.now().Sub(entry.storedAt) >= c.ttl {
		return store.Mapping{}, false
	}
	return entry.mapping.Clone(), true
}

// ByClientID returns the cached mapping for a client conversation.
func (c *Cache) ByClientID(clientConversationID string, platform store.Platform) (store.Mapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveLocked(forwardKey{clientConversationID, platform})
}

// ByPlatformID resolves a primary or alternate platform conversation id.
func (c *Cache) ByPlatformID(id string, platform store.Platform) (store.Mapping, bool) {
	if id == "" {
		return store.Mapping{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	clientID, ok := c.reverse[reverseKey{platform, id}]
	if !ok {
		return store.Mapping{}, false
	}
	m, ok := c.liveLocked(forwardKey{clientID, platform})
	if !ok || !m.HasPlatformID(id) {
		return store.Mapping{}, false
	}
	return m, true
}

// LatestByUser returns the user's most recently recorded unresolved mapping.
func (c *Cache) LatestByUser(clientUserID string, platform store.Platform) (store.Mapping, bool) {
	if clientUserID == "" {
		return store.Mapping{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	clientID, ok := c.users[reverseKey{platform, clientUserID}]
	if !ok {
		return store.Mapping{}, false
	}
	m, ok := c.liveLocked(forwardKey{clientID, platform})
	if !ok || m.IsResolved || m.ClientUserID != clientUserID {
		return store.Mapping{}, false
	}
	return m, true
}

// Invalidate drops one mapping and its index entries.
func (c *Cache) Invalidate(clientConversationID string, platform store.Platform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(forwardKey{clientConversationID, platform})
}

// InvalidatePlatformID drops every cached mapping that carries id as a primary
// or alternate platform conversation id.
func (c *Cache) InvalidatePlatformID(id string, platform store.Platform) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.forward {
		if key.platform == platform && entry.mapping.HasPlatformID(id) {
			c.removeLocked(key)
		}
	}
}

// Flush empties the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward = make(map[forwardKey]*cacheEntry)
	c.reverse = make(map[reverseKey]string)
	c.users = make(map[reverseKey]string)
}

// Stats reports index sizes.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	expired := 0
	for _, e := range c.forward {
		if now.Sub(e.storedAt) >= c.ttl {
			expired++
		}
	}
	return CacheStats{
		Entries:    len(c.forward),
		Expired:    expired,
		ReverseIDs: len(c.reverse),
		Users:      len(c.users),
		MaxEntries: c.maxEntries,
		TTLSeconds: int(c.ttl / time.Second),
	}
}
