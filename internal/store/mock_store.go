// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names accepted by MockStore.FailOn
const (
	OpUpsert        = "upsert"
	OpGetByClient   = "get_by_client"
	OpGetByPlatform = "get_by_platform"
	OpGetLatest     = "get_latest"
	OpSetResolved   = "set_resolved"
	OpCountActive   = "count_active"
	OpListMappings  = "list"
	OpPing          = "ping"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	mappings map[string]*Mapping // keyed by "platform:clientConversationID"
	failures map[string]error
	calls    map[string]int
	now      func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		mappings: make(map[string]*Mapping),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Len returns the number of stored mappings.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings)
}

// record counts the call and returns the injected failure, if any. Must hold mu.
func (m *MockStore) record(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func mockKey(clientConversationID string, platform Platform) string {
	return string(platform) + ":" + clientConversationID
}

// UpsertMapping stores a copy of the mapping keyed by client id and platform.
func (m *MockStore) UpsertMapping(ctx context.Context, mapping *Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpUpsert); err != nil {
		return err
	}

	now := m.now().UTC()
	key := mockKey(mapping.ClientConversationID, mapping.Platform)
	if existing, ok := m.mappings[key]; ok {
		mapping.ID = existing.ID
		mapping.CreatedAt = existing.CreatedAt
	} else {
		if mapping.ID == "" {
			mapping.ID = uuid.New().String()
		}
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	stored := mapping.Clone()
	m.mappings[key] = &stored
	return nil
}

// GetMappingByClientID returns a copy of the stored mapping.
func (m *MockStore) GetMappingByClientID(ctx context.Context, clientConversationID string, platform Platform) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpGetByClient); err != nil {
		return nil, err
	}

	stored, ok := m.mappings[mockKey(clientConversationID, platform)]
	if !ok {
		return nil, ErrNotFound
	}
	out := stored.Clone()
	return &out, nil
}

// GetMappingByPlatformID scans for a mapping carrying the platform id.
func (m *MockStore) GetMappingByPlatformID(ctx context.Context, platformConversationID string, platform Platform) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpGetByPlatform); err != nil {
		return nil, err
	}

	var found *Mapping
	for _, stored := range m.mappings {
		if stored.Platform != platform || !stored.HasPlatformID(platformConversationID) {
			continue
		}
		if found == nil || stored.UpdatedAt.After(found.UpdatedAt) {
			found = stored
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := found.Clone()
	return &out, nil
}

// GetLatestMappingByUser returns the most recently updated unresolved mapping for the user.
func (m *MockStore) GetLatestMappingByUser(ctx context.Context, clientUserID string, platform Platform) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpGetLatest); err != nil {
		return nil, err
	}

	var found *Mapping
	for _, stored := range m.mappings {
		if stored.Platform != platform || stored.ClientUserID != clientUserID || stored.IsResolved {
			continue
		}
		if found == nil || stored.UpdatedAt.After(found.UpdatedAt) {
			found = stored
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := found.Clone()
	return &out, nil
}

// SetMappingResolved flips the resolution flag on every mapping carrying the platform id.
func (m *MockStore) SetMappingResolved(ctx context.Context, platformConversationID string, platform Platform, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpSetResolved); err != nil {
		return err
	}

	matched := false
	for _, stored := range m.mappings {
		if stored.Platform != platform || !stored.HasPlatformID(platformConversationID) {
			continue
		}
		stored.IsResolved = resolved
		stored.UpdatedAt = m.now().UTC()
		matched = true
	}
	if !matched {
		return ErrNotFound
	}
	return nil
}

// CountActiveMappings counts unresolved mappings.
func (m *MockStore) CountActiveMappings(ctx context.Context, platform Platform) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpCountActive); err != nil {
		return 0, err
	}

	count := 0
	for _, stored := range m.mappings {
		if !stored.IsResolved && (platform == "" || stored.Platform == platform) {
			count++
		}
	}
	return count, nil
}

// ListMappings returns copies ordered by most recent update.
func (m *MockStore) ListMappings(ctx context.Context, opts ListOptions) ([]*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpListMappings); err != nil {
		return nil, err
	}

	var out []*Mapping
	for _, stored := range m.mappings {
		if opts.Platform != "" && stored.Platform != opts.Platform {
			continue
		}
		if opts.ClientUserID != "" && stored.ClientUserID != opts.ClientUserID {
			continue
		}
		if opts.ActiveOnly && stored.IsResolved {
			continue
		}
		c := stored.Clone()
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if limit := listLimit(opts.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping reports the injected ping failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpPing)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
