// ABOUTME: Helpdesk platform collaborator contract shared by the Freshchat and Zendesk adapters
// ABOUTME: Defines request/response shapes, parsed webhook events and the adapter interfaces

package platform

import (
	"context"

	"github.com/2389/deskbridge/internal/store"
)

// AttachmentKind classifies an attachment for relay
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// KindFor classifies a content type.
func KindFor(contentType string) AttachmentKind {
	if IsImage(contentType) {
		return AttachmentImage
	}
	return AttachmentFile
}

// UserProfile identifies the client user when creating a platform-side user
type UserProfile struct {
	Reference  string // stable client user id
	Name       string
	Email      string
	Properties map[string]string
}

// File is raw attachment content ready for upload
type File struct {
	Data        []byte
	Name        string
	ContentType string
}

// Attachment is a platform-native attachment reference. Uploaded attachments
// carry whatever the platform needs to attach them (a URL or an upload token);
// attachments on inbound events carry a URL when one is resolvable.
type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	URL         string         `json:"url,omitempty"`
	Token       string         `json:"token,omitempty"`
	Name        string         `json:"name,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size,omitempty"`
}

// CreateConversationRequest opens a new platform conversation
type CreateConversationRequest struct {
	UserID               string
	Text                 string
	Attachments          []Attachment
	ClientConversationID string
	Subject              string
}

// ConversationIDs are the identifiers a platform assigns to a new conversation
type ConversationIDs struct {
	Primary string
	Alt     string
}

// SendMessageRequest delivers a client message into an existing conversation
type SendMessageRequest struct {
	ConversationIDs []string // tried in order
	UserID          string
	Text            string
	Attachments     []Attachment
	SenderName      string
}

// Client is implemented by each helpdesk adapter.
type Client interface {
	Platform() store.Platform
	GetOrCreateUser(ctx context.Context, profile UserProfile) (string, error)
	CreateConversation(ctx context.Context, req CreateConversationRequest) (ConversationIDs, error)

	// SendMessage returns an error wrapping ErrDeliveryFailed when no id accepts the message
	SendMessage(ctx context.Context, req SendMessageRequest) error

	UploadFile(ctx context.Context, f File) (Attachment, error)

	// GetAgentName returns "" with a nil error when the agent has no usable name
	GetAgentName(ctx context.Context, agentID string) (string, error)
}

// ConversationLinker is implemented by adapters that can record the client
// conversation id on the platform user profile.
type ConversationLinker interface {
	LinkClientConversation(ctx context.Context, platformUserID, clientConversationID string) error
}

// EventKind distinguishes inbound platform events
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventResolution EventKind = "resolution"
)

// Actor types reported by platforms
const (
	ActorAgent  = "agent"
	ActorUser   = "user"
	ActorSystem = "system"
)

// Event is a parsed inbound webhook event.
type Event struct {
	Platform          store.Platform
	Kind              EventKind
	EventID           string
	ConversationID    string
	AltConversationID string
	ActorType         string
	ActorID           string
	Text              string
	Attachments       []Attachment
}

// Webhook verifies and parses one platform's inbound webhooks.
type Webhook interface {
	Platform() store.Platform
	SignatureHeader() string

	// SecretConfigured reports whether signatures are checked at all
	SecretConfigured() bool

	// Verify returns an error wrapping ErrInvalidSignature on mismatch
	Verify(body []byte, signature string) error

	// Parse returns a nil event for payloads that need no routing
	Parse(body []byte) (*Event, error)
}
