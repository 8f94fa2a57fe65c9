// ABOUTME: Zendesk webhook verification and parsing into platform events
// ABOUTME: Checks hex HMAC-SHA256 signatures and maps ticket status and latest comment

package zendesk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-Zendesk-Webhook-Signature"

// Webhook implements platform.Webhook for Zendesk.
type Webhook struct {
	secret []byte
}

// NewWebhook returns a Webhook. An empty secret disables verification.
func NewWebhook(secret string) *Webhook {
	return &Webhook{secret: []byte(secret)}
}

func (w *Webhook) Platform() store.Platform { return store.PlatformZendesk }

func (w *Webhook) SignatureHeader() string { return SignatureHeader }

func (w *Webhook) SecretConfigured() bool { return len(w.secret) > 0 }

// Sign returns the signature Zendesk would send for body.
func (w *Webhook) Sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signatures in constant time.
func (w *Webhook) Verify(body []byte, signature string) error {
	if len(w.secret) == 0 {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s", platform.ErrInvalidSignature, SignatureHeader)
	}
	if !hmac.Equal([]byte(w.Sign(body)), []byte(strings.ToLower(signature))) {
		return platform.ErrInvalidSignature
	}
	return nil
}

type webhookPayload struct {
	Ticket  *webhookTicket  `json:"ticket"`
	Comment *webhookComment `json:"comment"`
	Data    struct {
		Ticket *webhookTicket `json:"ticket"`
	} `json:"data"`
}

type webhookTicket struct {
	ID          platform.FlexString `json:"id"`
	Status      string              `json:"status"`
	RequesterID platform.FlexString `json:"requester_id"`
	Comments    []webhookComment    `json:"comments"`
}

type webhookComment struct {
	ID          platform.FlexString `json:"id"`
	AuthorID    platform.FlexString `json:"author_id"`
	Body        string              `json:"body"`
	PlainBody   string              `json:"plain_body"`
	Public      *bool               `json:"public"`
	Attachments []struct {
		ContentURL  string `json:"content_url"`
		FileName    string `json:"file_name"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

// Parse maps a webhook body to an event. Payloads without a ticket or a
// comment, and comments written by the requester, produce a nil event.
func (w *Webhook) Parse(body []byte) (*platform.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding zendesk webhook: %w", err)
	}

	t := payload.Ticket
	if t == nil {
		t = payload.Data.Ticket
	}
	if t == nil || t.ID == "" {
		return nil, nil
	}
	ticketID := t.ID.String()

	switch strings.ToLower(t.Status) {
	case "solved", "closed":
		return &platform.Event{
			Platform:       store.PlatformZendesk,
			Kind:           platform.EventResolution,
			EventID:        "resolved:" + ticketID,
			ConversationID: ticketID,
			ActorType:      platform.ActorSystem,
		}, nil
	}

	var latest *webhookComment
	if n := len(t.Comments); n > 0 {
		latest = &t.Comments[n-1]
	} else if payload.Comment != nil {
		latest = payload.Comment
	}
	if latest == nil {
		return nil, nil
	}

	// Requester comments are our own relayed messages
	if latest.AuthorID != "" && latest.AuthorID == t.RequesterID {
		return nil, nil
	}
	if latest.Public != nil && !*latest.Public {
		return nil, nil
	}

	text := latest.Body
	if text == "" {
		text = latest.PlainBody
	}
	event := &platform.Event{
		Platform:       store.PlatformZendesk,
		Kind:           platform.EventMessage,
		EventID:        latest.ID.String(),
		ConversationID: ticketID,
		ActorType:      platform.ActorAgent,
		ActorID:        latest.AuthorID.String(),
		Text:           strings.TrimSpace(text),
	}
	for _, a := range latest.Attachments {
		event.Attachments = append(event.Attachments, platform.Attachment{
			Kind:        platform.KindFor(a.ContentType),
			URL:         a.ContentURL,
			Name:        a.FileName,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return event, nil
}

var _ platform.Webhook = (*Webhook)(nil)
