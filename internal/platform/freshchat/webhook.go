// ABOUTME: Freshchat webhook verification and parsing into platform events
// ABOUTME: Verifies RSA-SHA256 signatures and maps message_create and conversation_resolution actions

package freshchat

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

// SignatureHeader carries the base64 RSA signature of the raw body
const SignatureHeader = "X-Freshchat-Signature"

// Webhook actions that are routed
const (
	ActionMessageCreate          = "message_create"
	ActionConversationResolution = "conversation_resolution"
)

// Webhook implements platform.Webhook for Freshchat.
type Webhook struct {
	publicKey *rsa.PublicKey
}

// NewWebhook parses a PEM public key. An empty key disables verification.
func NewWebhook(publicKeyPEM string) (*Webhook, error) {
	publicKeyPEM = strings.TrimSpace(publicKeyPEM)
	if publicKeyPEM == "" {
		return &Webhook{}, nil
	}
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Webhook{publicKey: key}, nil
}

func parsePublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("freshchat: webhook public key is not PEM")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("freshchat: webhook public key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("freshchat: parsing webhook public key: %w", err)
	}
	return key, nil
}

func (w *Webhook) Platform() store.Platform { return store.PlatformFreshchat }

func (w *Webhook) SignatureHeader() string { return SignatureHeader }

func (w *Webhook) SecretConfigured() bool { return w.publicKey != nil }

// Verify checks the signature. A configured key rejects a missing signature.
func (w *Webhook) Verify(body []byte, signature string) error {
	if w.publicKey == nil {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s", platform.ErrInvalidSignature, SignatureHeader)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", platform.ErrInvalidSignature)
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(w.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", platform.ErrInvalidSignature, err)
	}
	return nil
}

type webhookPayload struct {
	Action     string             `json:"action"`
	ActionTime string             `json:"action_time"`
	Actor      *webhookActor      `json:"actor"`
	Data       webhookPayloadData `json:"data"`
}

type webhookActor struct {
	ActorType string              `json:"actor_type"`
	ActorID   platform.FlexString `json:"actor_id"`
}

type webhookPayloadData struct {
	Message *webhookMessage `json:"message"`
	Resolve *struct {
		Conversation webhookConversation `json:"conversation"`
	} `json:"resolve"`
}

type webhookConversation struct {
	ConversationID          platform.FlexString `json:"conversation_id"`
	FreshchatConversationID platform.FlexString `json:"freshchat_conversation_id"`
}

type webhookMessage struct {
	webhookConversation
	ID           platform.FlexString `json:"id"`
	ActorType    string              `json:"actor_type"`
	ActorID      platform.FlexString `json:"actor_id"`
	MessageType  string              `json:"message_type"`
	MessageParts []webhookPart       `json:"message_parts"`
}

type webhookPart struct {
	Text *struct {
		Content string `json:"content"`
	} `json:"text"`
	Image *struct {
		URL string `json:"url"`
	} `json:"image"`
	File *struct {
		URL         string `json:"url"`
		Name        string `json:"name"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"file_size_in_bytes"`
	} `json:"file"`
}

// Parse maps a webhook body to an event. User messages, private notes and
// unknown actions produce a nil event.
func (w *Webhook) Parse(body []byte) (*platform.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding freshchat webhook: %w", err)
	}

	switch payload.Action {
	case ActionMessageCreate:
		return parseMessage(payload)
	case ActionConversationResolution:
		return parseResolution(payload)
	default:
		return nil, nil
	}
}

func parseMessage(payload webhookPayload) (*platform.Event, error) {
	msg := payload.Data.Message
	if msg == nil {
		return nil, errors.New("freshchat message_create without data.message")
	}
	actorType := msg.ActorType
	if actorType == "" && payload.Actor != nil {
		actorType = payload.Actor.ActorType
	}
	// Our own relayed messages come back as user messages
	if actorType == platform.ActorUser || msg.MessageType == "private" {
		return nil, nil
	}

	actorID := msg.ActorID.String()
	if actorID == "" && payload.Actor != nil {
		actorID = payload.Actor.ActorID.String()
	}

	event := &platform.Event{
		Platform:          store.PlatformFreshchat,
		Kind:              platform.EventMessage,
		EventID:           msg.ID.String(),
		ConversationID:    msg.ConversationID.String(),
		AltConversationID: msg.FreshchatConversationID.String(),
		ActorType:         actorType,
		ActorID:           actorID,
	}

	var texts []string
	for _, part := range msg.MessageParts {
		switch {
		case part.Text != nil:
			if t := strings.TrimSpace(part.Text.Content); t != "" {
				texts = append(texts, t)
			}
		case part.Image != nil:
			event.Attachments = append(event.Attachments, platform.Attachment{
				Kind: platform.AttachmentImage,
				URL:  part.Image.URL,
				Name: "image",
			})
		case part.File != nil:
			event.Attachments = append(event.Attachments, platform.Attachment{
				Kind:        platform.KindFor(part.File.ContentType),
				URL:         part.File.URL,
				Name:        part.File.Name,
				ContentType: part.File.ContentType,
				Size:        part.File.Size,
			})
		}
	}
	event.Text = strings.Join(texts, "\n")
	return event, nil
}

func parseResolution(payload webhookPayload) (*platform.Event, error) {
	if payload.Data.Resolve == nil {
		return nil, errors.New("freshchat conversation_resolution without data.resolve")
	}
	conv := payload.Data.Resolve.Conversation
	primary := conv.ConversationID.String()
	alt := conv.FreshchatConversationID.String()

	key := primary
	if key == "" {
		key = alt
	}
	return &platform.Event{
		Platform:          store.PlatformFreshchat,
		Kind:              platform.EventResolution,
		EventID:           "resolve:" + key + ":" + payload.ActionTime,
		ConversationID:    primary,
		AltConversationID: alt,
		ActorType:         platform.ActorSystem,
	}, nil
}

var _ platform.Webhook = (*Webhook)(nil)
