// ABOUTME: Tests for MockStore behaviour relied on by higher-level tests
// ABOUTME: Covers identity keyed upserts, failure injection and call counting

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_UpsertKeepsIdentity(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	first := testMapping("conv-1")
	require.NoError(t, s.UpsertMapping(ctx, first))

	second := testMapping("conv-1")
	second.PlatformConversationID = "guid-2"
	require.NoError(t, s.UpsertMapping(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Calls(OpUpsert))

	got, err := s.GetMappingByPlatformID(ctx, "guid-2", PlatformFreshchat)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertMapping(ctx, testMapping("conv-1")))

	got, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	require.NoError(t, err)
	got.IsResolved = true

	again, err := s.GetMappingByClientID(ctx, "conv-1", PlatformFreshchat)
	require.NoError(t, err)
	assert.False(t, again.IsResolved)
}

func TestMockStore_FailOn(t *testing.T) {
	s := NewMockStore()
	boom := errors.New("boom")
	s.FailOn(OpGetByClient, boom)

	_, err := s.GetMappingByClientID(context.Background(), "conv-1", PlatformFreshchat)
	assert.ErrorIs(t, err, boom)

	s.FailOn(OpGetByClient, nil)
	_, err = s.GetMappingByClientID(context.Background(), "conv-1", PlatformFreshchat)
	assert.ErrorIs(t, err, ErrNotFound)
}
