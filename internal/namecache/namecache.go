// ABOUTME: Caches agent display names in front of a platform client
// ABOUTME: Backed by Redis when configured, otherwise an in-process TTL map

package namecache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

// DefaultTTL is how long a resolved agent name is reused
const DefaultTTL = time.Hour

// keyPrefix namespaces agent-name keys in a shared Redis
const keyPrefix = "deskbridge:agent_name:"

// ErrMiss is returned by KV.Get when the key is absent
var ErrMiss = errors.New("cache miss")

// KV is the minimal store behind the name cache.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisKV stores names in Redis.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps an existing Redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// NewRedisKVFromURL parses a redis:// or rediss:// URL.
func NewRedisKVFromURL(rawURL string) (*RedisKV, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return NewRedisKV(client), client, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// MemoryKV is an in-process KV with per-key expiry.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryKV creates an empty MemoryKV. A nil now uses time.Now.
func NewMemoryKV(now func() time.Time) *MemoryKV {
	if now == nil {
		now = time.Now
	}
	return &MemoryKV{items: make(map[string]memoryItem), now: now}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Client decorates a platform.Client so GetAgentName consults the cache first.
// Cache failures fall through to the platform and are never returned.
type Client struct {
	platform.Client
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
}

// Wrap returns inner with a caching GetAgentName. Optional interfaces of
// inner are reachable through Unwrap.
func Wrap(inner platform.Client, kv KV, ttl time.Duration, logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Client: inner,
		kv:     kv,
		ttl:    ttl,
		logger: logger.With("component", "namecache"),
	}
}

// Unwrap returns the decorated client.
func (c *Client) Unwrap() platform.Client { return c.Client }

// Key returns the cache key for an agent on a platform.
func Key(p store.Platform, agentID string) string {
	return keyPrefix + string(p) + ":" + agentID
}

// GetAgentName returns a cached name or asks the platform and caches a non-empty answer.
func (c *Client) GetAgentName(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", nil
	}
	key := Key(c.Platform(), agentID)

	name, err := c.kv.Get(ctx, key)
	if err == nil && name != "" {
		return name, nil
	}
	if err != nil && !errors.Is(err, ErrMiss) {
		c.logger.Warn("agent name cache read failed", "key", key, "error", err)
	}

	name, err = c.Client.GetAgentName(ctx, agentID)
	if err != nil || name == "" {
		return name, err
	}
	if err := c.kv.Set(ctx, key, name, c.ttl); err != nil {
		c.logger.Warn("agent name cache write failed", "key", key, "error", err)
	}
	return name, nil
}

var _ platform.Client = (*Client)(nil)
