// ABOUTME: Store interface and data types for deskbridge persistence
// ABOUTME: Defines the Mapping record, Platform enum and the durable backend contract

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested mapping does not exist
var ErrNotFound = errors.New("not found")

// Platform identifies an external helpdesk platform
type Platform string

// Supported platforms
const (
	PlatformFreshchat Platform = "freshchat"
	PlatformZendesk   Platform = "zendesk"
)

// ParsePlatform converts a configuration or URL value into a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformFreshchat, PlatformZendesk:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Mapping links one client conversation to one platform conversation
type Mapping struct {
	ID                        string
	ClientConversationID      string
	ClientUserID              string
	ReplyTarget               json.RawMessage // opaque, produced by the client adapter
	Platform                  Platform
	PlatformConversationID    string
	PlatformConversationAltID string
	PlatformUserID            string
	IsResolved                bool
	GreetingSent              bool
	TenantID                  string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Clone returns a deep copy so callers never share the reply target buffer.
func (m Mapping) Clone() Mapping {
	if m.ReplyTarget != nil {
		m.ReplyTarget = append(json.RawMessage(nil), m.ReplyTarget...)
	}
	return m
}

// HasPlatformID reports whether id is the primary or alternate platform conversation id.
func (m Mapping) HasPlatformID(id string) bool {
	if id == "" {
		return false
	}
	return m.PlatformConversationID == id || m.PlatformConversationAltID == id
}

// PlatformIDs returns the known platform conversation ids, primary first.
func (m Mapping) PlatformIDs() []string {
	ids := make([]string, 0, 2)
	if m.PlatformConversationID != "" {
		ids = append(ids, m.PlatformConversationID)
	}
	if m.PlatformConversationAltID != "" && m.PlatformConversationAltID != m.PlatformConversationID {
		ids = append(ids, m.PlatformConversationAltID)
	}
	return ids
}

// ListOptions filters ListMappings results
type ListOptions struct {
	Platform     Platform // empty means all platforms
	ClientUserID string
	ActiveOnly   bool
	Limit        int // 0 means the backend default
}

// DefaultListLimit caps ListMappings when no limit is given
const DefaultListLimit = 100

// Store defines the durable backend for conversation mappings.
// Implementations key upserts on (ClientConversationID, Platform).
type Store interface {
	// UpsertMapping creates or updates a mapping and fills in ID, CreatedAt and UpdatedAt
	UpsertMapping(ctx context.Context, m *Mapping) error

	// GetMappingByClientID returns ErrNotFound if no mapping exists
	GetMappingByClientID(ctx context.Context, clientConversationID string, platform Platform) (*Mapping, error)

	// GetMappingByPlatformID matches either the primary or the alternate platform id
	GetMappingByPlatformID(ctx context.Context, platformConversationID string, platform Platform) (*Mapping, error)

	// GetLatestMappingByUser returns the most recently updated unresolved mapping for a user
	GetLatestMappingByUser(ctx context.Context, clientUserID string, platform Platform) (*Mapping, error)

	// SetMappingResolved returns ErrNotFound if no mapping carries the platform id
	SetMappingResolved(ctx context.Context, platformConversationID string, platform Platform, resolved bool) error

	CountActiveMappings(ctx context.Context, platform Platform) (int, error)
	ListMappings(ctx context.Context, opts ListOptions) ([]*Mapping, error)

	Ping(ctx context.Context) error
	Close() error
}
