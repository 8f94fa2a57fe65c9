// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers mapping upsert identity, reverse lookups, latest-by-user ordering and resolution

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppingClock returns a clock that advances one second per call
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func testMapping(clientID string) *Mapping {
	return &Mapping{
		ClientConversationID:      clientID,
		ClientUserID:              "@alice:example.org",
		ReplyTarget:               json.RawMessage(`{"room_id":"!room:example.org"}`),
		Platform:                  PlatformFreshchat,
		PlatformConversationID:    "guid-" + clientID,
		PlatformConversationAltID: "42-" + clientID,
		PlatformUserID:            "fc-user-1",
		TenantID:                  "tenant-a",
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.UpsertMapping(ctx, testMapping("conv-1")); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}
	s.Close()

	// Migrations must be idempotent on an existing database
	s, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer s.Close()

	if _, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat); err != nil {
		t.Fatalf("GetMappingByClientID after reopen failed: %v", err)
	}
}

func TestUpsertAndGetMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMapping("conv-1")
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected storage id to be assigned")
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be assigned")
	}

	got, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	if err != nil {
		t.Fatalf("GetMappingByClientID failed: %v", err)
	}

	if got.ID != m.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, m.ID)
	}
	if got.PlatformConversationID != m.PlatformConversationID {
		t.Errorf("PlatformConversationID mismatch: got %q, want %q", got.PlatformConversationID, m.PlatformConversationID)
	}
	if got.PlatformConversationAltID != m.PlatformConversationAltID {
		t.Errorf("PlatformConversationAltID mismatch: got %q, want %q", got.PlatformConversationAltID, m.PlatformConversationAltID)
	}
	if string(got.ReplyTarget) != string(m.ReplyTarget) {
		t.Errorf("ReplyTarget mismatch: got %s, want %s", got.ReplyTarget, m.ReplyTarget)
	}
	if got.TenantID != "tenant-a" {
		t.Errorf("TenantID mismatch: got %q", got.TenantID)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestUpsertMapping_NaturalIdentity(t *testing.T) {
	s := newTestStore(t)
	s.now = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first := testMapping("conv-1")
	if err := s.UpsertMapping(ctx, first); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	// A second upsert without the storage id replaces the same row
	second := testMapping("conv-1")
	second.PlatformConversationID = "guid-new"
	second.PlatformConversationAltID = ""
	second.GreetingSent = true
	if err := s.UpsertMapping(ctx, second); err != nil {
		t.Fatalf("second UpsertMapping failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected same storage id, got %q and %q", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}

	got, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	if err != nil {
		t.Fatalf("GetMappingByClientID failed: %v", err)
	}
	if got.PlatformConversationID != "guid-new" || !got.GreetingSent {
		t.Errorf("update not applied: %+v", got)
	}

	if _, err := s.GetMappingByPlatformID(ctx, "guid-conv-1", PlatformFreshchat); err != ErrNotFound {
		t.Errorf("expected old platform id to be gone, got %v", err)
	}
}

func TestUpsertMapping_ByStorageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMapping("conv-1")
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	m.IsResolved = true
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping by id failed: %v", err)
	}

	got, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	if err != nil {
		t.Fatalf("GetMappingByClientID failed: %v", err)
	}
	if !got.IsResolved {
		t.Error("expected mapping to be resolved")
	}
}

func TestGetMappingByClientID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMappingByClientID(context.Background(), "missing", PlatformFreshchat)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMappingByClientID_ScopedByPlatform(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMapping(ctx, testMapping("conv-1")); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	if _, err := s.GetMappingByClientID(ctx, "conv-1", PlatformZendesk); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for other platform, got %v", err)
	}
}

func TestGetMappingByPlatformID_EitherIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMapping("conv-1")
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	for _, id := range []string{"guid-conv-1", "42-conv-1"} {
		got, err := s.GetMappingByPlatformID(ctx, id, PlatformFreshchat)
		if err != nil {
			t.Fatalf("GetMappingByPlatformID(%q) failed: %v", id, err)
		}
		if got.ID != m.ID {
			t.Errorf("GetMappingByPlatformID(%q) returned %q, want %q", id, got.ID, m.ID)
		}
	}

	if _, err := s.GetMappingByPlatformID(ctx, "", PlatformFreshchat); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for empty id, got %v", err)
	}
}

func TestGetLatestMappingByUser(t *testing.T) {
	s := newTestStore(t)
	s.now = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	older := testMapping("conv-old")
	newer := testMapping("conv-new")
	resolved := testMapping("conv-resolved")
	resolved.IsResolved = true

	for _, m := range []*Mapping{older, newer, resolved} {
		if err := s.UpsertMapping(ctx, m); err != nil {
			t.Fatalf("UpsertMapping(%s) failed: %v", m.ClientConversationID, err)
		}
	}

	got, err := s.GetLatestMappingByUser(ctx, "@alice:example.org", PlatformFreshchat)
	if err != nil {
		t.Fatalf("GetLatestMappingByUser failed: %v", err)
	}
	if got.ClientConversationID != "conv-new" {
		t.Errorf("expected conv-new, got %q", got.ClientConversationID)
	}

	if _, err := s.GetLatestMappingByUser(ctx, "@bob:example.org", PlatformFreshchat); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestSetMappingResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMapping(ctx, testMapping("conv-1")); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	// Resolving via the alternate id, twice
	for i := 0; i < 2; i++ {
		if err := s.SetMappingResolved(ctx, "42-conv-1", PlatformFreshchat, true); err != nil {
			t.Fatalf("SetMappingResolved #%d failed: %v", i+1, err)
		}
	}

	got, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	if err != nil {
		t.Fatalf("GetMappingByClientID failed: %v", err)
	}
	if !got.IsResolved {
		t.Error("expected mapping to be resolved")
	}

	if err := s.SetMappingResolved(ctx, "unknown", PlatformFreshchat, true); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountAndListMappings(t *testing.T) {
	s := newTestStore(t)
	s.now = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	a := testMapping("conv-a")
	b := testMapping("conv-b")
	b.IsResolved = true
	c := testMapping("conv-c")
	c.Platform = PlatformZendesk
	c.ClientUserID = "@bob:example.org"

	for _, m := range []*Mapping{a, b, c} {
		if err := s.UpsertMapping(ctx, m); err != nil {
			t.Fatalf("UpsertMapping failed: %v", err)
		}
	}

	count, err := s.CountActiveMappings(ctx, "")
	if err != nil {
		t.Fatalf("CountActiveMappings failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active mappings, got %d", count)
	}

	count, err = s.CountActiveMappings(ctx, PlatformFreshchat)
	if err != nil {
		t.Fatalf("CountActiveMappings failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 active freshchat mapping, got %d", count)
	}

	all, err := s.ListMappings(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(all) != 3 || all[0].ClientConversationID != "conv-c" {
		t.Errorf("expected 3 mappings newest first, got %d", len(all))
	}

	active, err := s.ListMappings(ctx, ListOptions{Platform: PlatformFreshchat, ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(active) != 1 || active[0].ClientConversationID != "conv-a" {
		t.Errorf("expected only conv-a, got %+v", active)
	}

	limited, err := s.ListMappings(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}
