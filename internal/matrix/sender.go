// ABOUTME: Delivers relayed helpdesk messages into Matrix rooms
// ABOUTME: Implements the router's client sender: text, file cards and attachment downloads

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/router"
)

// MessageAPI is the subset of *mautrix.Client the sender needs.
type MessageAPI interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	DownloadBytes(ctx context.Context, mxcURL id.ContentURI) ([]byte, error)
}

// Sender sends messages to Matrix rooms.
type Sender struct {
	api      MessageAPI
	renderer *Renderer
	logger   *slog.Logger
}

var _ router.ClientSender = (*Sender)(nil)

// NewSender creates a sender over api.
func NewSender(api MessageAPI, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		api:      api,
		renderer: NewRenderer(),
		logger:   logger.With("component", "matrix_sender"),
	}
}

// SendText renders text as Markdown and posts it to the target room.
func (s *Sender) SendText(ctx context.Context, target json.RawMessage, text, senderName string) error {
	body, formatted := s.renderer.Message(text, senderName)
	return s.send(ctx, target, body, formatted)
}

// SendFileCard posts a link to a helpdesk-hosted file.
func (s *Sender) SendFileCard(ctx context.Context, target json.RawMessage, card router.FileCard, senderName string) error {
	body, formatted := s.renderer.FileCard(card, senderName)
	return s.send(ctx, target, body, formatted)
}

func (s *Sender) send(ctx context.Context, raw json.RawMessage, body, formatted string) error {
	t, err := DecodeTarget(raw)
	if err != nil {
		return err
	}

	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
	if t.ThreadID != "" {
		fallback := t.EventID
		if fallback == "" {
			fallback = t.ThreadID
		}
		content.RelatesTo = (&event.RelatesTo{}).SetThread(t.ThreadID, fallback)
	}

	if _, err := s.api.SendMessageEvent(ctx, t.RoomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to room %s: %w", t.RoomID, err)
	}
	return nil
}

// DownloadAttachment fetches media from the homeserver, decrypting it when
// the attachment came from an encrypted room.
func (s *Sender) DownloadAttachment(ctx context.Context, att router.ClientAttachment) (*platform.File, error) {
	var encrypted *event.EncryptedFileInfo
	if len(att.Opaque) > 0 {
		encrypted = &event.EncryptedFileInfo{}
		if err := json.Unmarshal(att.Opaque, encrypted); err != nil {
			return nil, fmt.Errorf("decoding encrypted file info: %w", err)
		}
	}

	rawURL := att.URL
	if encrypted != nil && encrypted.URL != "" {
		rawURL = string(encrypted.URL)
	}
	uri, err := id.ParseContentURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing content uri %q: %w", rawURL, err)
	}

	data, err := s.api.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	if encrypted != nil {
		if err := encrypted.DecryptInPlace(data); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", uri, err)
		}
	}

	return &platform.File{
		Data:        data,
		Name:        att.Name,
		ContentType: att.ContentType,
	}, nil
}
