// ABOUTME: Tests for Mapping helpers and platform parsing
// ABOUTME: Covers id lists, platform id matching and deep copies of reply targets

package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("zendesk")
	require.NoError(t, err)
	assert.Equal(t, PlatformZendesk, p)

	_, err = ParsePlatform("intercom")
	assert.Error(t, err)
}

func TestMapping_PlatformIDs(t *testing.T) {
	tests := []struct {
		name    string
		primary string
		alt     string
		want    []string
	}{
		{name: "both", primary: "guid", alt: "42", want: []string{"guid", "42"}},
		{name: "primary only", primary: "guid", want: []string{"guid"}},
		{name: "alt only", alt: "42", want: []string{"42"}},
		{name: "same value", primary: "42", alt: "42", want: []string{"42"}},
		{name: "none", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Mapping{PlatformConversationID: tt.primary, PlatformConversationAltID: tt.alt}
			assert.Equal(t, tt.want, m.PlatformIDs())
		})
	}
}

func TestMapping_HasPlatformID(t *testing.T) {
	m := Mapping{PlatformConversationID: "guid", PlatformConversationAltID: "42"}

	assert.True(t, m.HasPlatformID("guid"))
	assert.True(t, m.HasPlatformID("42"))
	assert.False(t, m.HasPlatformID("43"))
	assert.False(t, Mapping{}.HasPlatformID(""))
}

func TestMapping_CloneCopiesReplyTarget(t *testing.T) {
	m := Mapping{ReplyTarget: json.RawMessage(`{"room_id":"!a"}`)}
	c := m.Clone()

	c.ReplyTarget[2] = 'X'
	assert.Equal(t, `{"room_id":"!a"}`, string(m.ReplyTarget))
}
