// ABOUTME: Mapping repository combining the durable backend with the mapping cache
// ABOUTME: Serializes writes per conversation key and refreshes the cache after each backend write

package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/deskbridge/internal/store"
)

// Store is the single writer of conversation mappings.
type Store struct {
	backend store.Store
	cache   *Cache
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[forwardKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore wraps backend with cache. A nil cache gets the defaults.
func NewStore(backend store.Store, cache *Cache, logger *slog.Logger) *Store {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		cache:   cache,
		logger:  logger.With("component", "mapping"),
		locks:   make(map[forwardKey]*keyLock),
	}
}

// lock takes the write lock for one conversation key and returns its release func.
func (s *Store) lock(clientConversationID string, platform store.Platform) func() {
	key := forwardKey{clientConversationID, platform}

	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

// GetByClientID returns the mapping for a client conversation. Absent is (zero, false, nil).
func (s *Store) GetByClientID(ctx context.Context, clientConversationID string, platform store.Platform) (store.Mapping, bool, error) {
	if m, ok := s.cache.ByClientID(clientConversationID, platform); ok {
		return m, true, nil
	}
	m, err := s.backend.GetMappingByClientID(ctx, clientConversationID, platform)
	return s.fromBackend("get_by_client", m, err, s.cache.Observe)
}

// GetByPlatformID resolves a primary or alternate platform conversation id.
func (s *Store) GetByPlatformID(ctx context.Context, id string, platform store.Platform) (store.Mapping, bool, error) {
	if id == "" {
		return store.Mapping{}, false, nil
	}
	if m, ok := s.cache.ByPlatformID(id, platform); ok {
		return m, true, nil
	}
	m, err := s.backend.GetMappingByPlatformID(ctx, id, platform)
	return s.fromBackend("get_by_platform", m, err, s.cache.Observe)
}

// GetLatestByUser returns the user's most recently updated unresolved mapping.
func (s *Store) GetLatestByUser(ctx context.Context, clientUserID string, platform store.Platform) (store.Mapping, bool, error) {
	if clientUserID == "" {
		return store.Mapping{}, false, nil
	}
	if m, ok := s.cache.LatestByUser(clientUserID, platform); ok {
		return m, true, nil
	}
	m, err := s.backend.GetLatestMappingByUser(ctx, clientUserID, platform)
	return s.fromBackend("get_latest_by_user", m, err, s.cache.Record)
}

// fromBackend converts a backend read into the (mapping, found, error) shape and caches hits with keep.
func (s *Store) fromBackend(op string, m *store.Mapping, err error, keep func(store.Mapping)) (store.Mapping, bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return store.Mapping{}, false, nil
	}
	if err != nil {
		return store.Mapping{}, false, storageErr(op, err)
	}
	keep(*m)
	return m.Clone(), true, nil
}

// Upsert writes m and returns the backend's canonical copy.
func (s *Store) Upsert(ctx context.Context, m store.Mapping) (store.Mapping, error) {
	if m.ClientConversationID == "" {
		return store.Mapping{}, fmt.Errorf("upserting mapping: client conversation id is required")
	}
	if m.Platform == "" {
		return store.Mapping{}, fmt.Errorf("upserting mapping: platform is required")
	}

	unlock := s.lock(m.ClientConversationID, m.Platform)
	defer unlock()
	return s.upsertLocked(ctx, m)
}

func (s *Store) upsertLocked(ctx context.Context, m store.Mapping) (store.Mapping, error) {
	record := m.Clone()
	if err := s.backend.UpsertMapping(ctx, &record); err != nil {
		// The backend may or may not have applied the write
		s.cache.Invalidate(m.ClientConversationID, m.Platform)
		return store.Mapping{}, storageErr("upsert", err)
	}
	s.cache.Record(record)
	return record.Clone(), nil
}

// MarkResolved sets the resolution flag for the mapping carrying a platform id.
// Unknown ids succeed without effect.
func (s *Store) MarkResolved(ctx context.Context, platformConversationID string, platform store.Platform, resolved bool) error {
	if platformConversationID == "" {
		return nil
	}

	// Take the key lock when the owner is known so the refresh cannot interleave with an upsert
	if owner, ok, err := s.GetByPlatformID(ctx, platformConversationID, platform); err == nil && ok {
		unlock := s.lock(owner.ClientConversationID, platform)
		defer unlock()
	}

	err := s.backend.SetMappingResolved(ctx, platformConversationID, platform, resolved)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("resolve for unknown platform conversation",
			"platform", platform,
			"platform_conversation_id", platformConversationID,
		)
		return nil
	}
	if err != nil {
		return storageErr("mark_resolved", err)
	}

	// Every row carrying the id changed, not only the one the refresh reads back
	s.cache.InvalidatePlatformID(platformConversationID, platform)

	m, err := s.backend.GetMappingByPlatformID(ctx, platformConversationID, platform)
	if err != nil {
		// The write landed and the stale copies are gone, so the caller need not fail
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("refreshing resolved mapping failed",
				"platform", platform,
				"platform_conversation_id", platformConversationID,
				"error", err,
			)
		}
		return nil
	}
	s.cache.Record(*m)
	return nil
}

// MarkGreetingSent persists that the greeting was delivered for this mapping lifetime.
func (s *Store) MarkGreetingSent(ctx context.Context, clientConversationID string, platform store.Platform) error {
	return s.update(ctx, "mark_greeting_sent", clientConversationID, platform, func(m *store.Mapping) bool {
		if m.GreetingSent {
			return false
		}
		m.GreetingSent = true
		return true
	})
}

// UpdateReplyTarget replaces the stored reply target.
func (s *Store) UpdateReplyTarget(ctx context.Context, clientConversationID string, platform store.Platform, target json.RawMessage) error {
	return s.update(ctx, "update_reply_target", clientConversationID, platform, func(m *store.Mapping) bool {
		if bytes.Equal(m.ReplyTarget, target) {
			return false
		}
		m.ReplyTarget = append(json.RawMessage(nil), target...)
		return true
	})
}

// UpdatePlatformIDs merges any non-empty ids into the mapping.
func (s *Store) UpdatePlatformIDs(ctx context.Context, clientConversationID string, platform store.Platform, primary, alt string) error {
	return s.update(ctx, "update_platform_ids", clientConversationID, platform, func(m *store.Mapping) bool {
		changed := false
		if primary != "" && primary != m.PlatformConversationID {
			m.PlatformConversationID = primary
			changed = true
		}
		if alt != "" && alt != m.PlatformConversationAltID {
			m.PlatformConversationAltID = alt
			changed = true
		}
		return changed
	})
}

// update applies mutate to the current mapping under the key lock and upserts it when changed.
func (s *Store) update(ctx context.Context, op, clientConversationID string, platform store.Platform, mutate func(*store.Mapping) bool) error {
	unlock := s.lock(clientConversationID, platform)
	defer unlock()

	// Read from the backend under the lock so concurrent updates compose
	current, err := s.backend.GetMappingByClientID(ctx, clientConversationID, platform)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s/%s: %w", op, platform, clientConversationID, store.ErrNotFound)
	}
	if err != nil {
		return storageErr(op, err)
	}

	if !mutate(current) {
		s.cache.Observe(*current)
		return nil
	}
	if _, err := s.upsertLocked(ctx, *current); err != nil {
		return err
	}
	return nil
}

// CountActive counts unresolved mappings. An empty platform counts all.
func (s *Store) CountActive(ctx context.Context, platform store.Platform) (int, error) {
	n, err := s.backend.CountActiveMappings(ctx, platform)
	if err != nil {
		return 0, storageErr("count_active", err)
	}
	return n, nil
}

// List returns mappings straight from the backend.
func (s *Store) List(ctx context.Context, opts store.ListOptions) ([]store.Mapping, error) {
	rows, err := s.backend.ListMappings(ctx, opts)
	if err != nil {
		return nil, storageErr("list", err)
	}
	out := make([]store.Mapping, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// CacheStats reports the cache index sizes.
func (s *Store) CacheStats() CacheStats {
	return s.cache.Stats()
}

// InvalidateCache drops one mapping from the cache, or everything when clientConversationID is empty.
func (s *Store) InvalidateCache(clientConversationID string, platform store.Platform) {
	if clientConversationID == "" {
		s.cache.Flush()
		return
	}
	s.cache.Invalidate(clientConversationID, platform)
}
