// ABOUTME: Matrix sync loop that turns room messages into routed client messages
// ABOUTME: Auto-joins invited rooms, suppresses redelivered events and hands work to the dispatch pool

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deskbridge/internal/dispatch"
	"github.com/2389/deskbridge/internal/router"
)

// SourceName scopes Matrix event ids in the duplicate suppressor
const SourceName = "matrix"

// networkTimeout bounds Matrix API calls made from sync handlers.
const networkTimeout = 10 * time.Second

// Handler routes normalized client messages
type Handler interface {
	HandleClientMessage(ctx context.Context, msg router.ClientMessage) router.Outcome
}

// Dispatcher runs routing work off the sync goroutine
type Dispatcher interface {
	Submit(ctx context.Context, task dispatch.Task) bool
}

// RoomAPI is the subset of *mautrix.Client used for membership and profiles.
type RoomAPI interface {
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	GetDisplayName(ctx context.Context, mxid id.UserID) (*mautrix.RespUserDisplayName, error)
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	UserID       id.UserID
	AllowedRooms []string
	RoomTenants  map[string]string
	Welcome      string
	TaskTimeout  time.Duration
}

// Bridge receives Matrix events and forwards them to the router.
type Bridge struct {
	cfg        BridgeConfig
	client     *mautrix.Client
	rooms      RoomAPI
	sender     router.ClientSender
	handler    Handler
	dispatcher Dispatcher
	suppressor router.Suppressor
	logger     *slog.Logger

	startedAt time.Time
	now       func() time.Time

	namesMu sync.Mutex
	names   map[id.UserID]string

	ctx context.Context
}

// NewBridge wires a bridge. client may be nil in tests, in which case Run is unavailable.
func NewBridge(cfg BridgeConfig, client *mautrix.Client, rooms RoomAPI, sender router.ClientSender,
	handler Handler, dispatcher Dispatcher, suppressor router.Suppressor, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	return &Bridge{
		cfg:        cfg,
		client:     client,
		rooms:      rooms,
		sender:     sender,
		handler:    handler,
		dispatcher: dispatcher,
		suppressor: suppressor,
		logger:     logger.With("component", "matrix"),
		startedAt:  time.Now(),
		now:        time.Now,
		names:      make(map[id.UserID]string),
		ctx:        context.Background(),
	}
}

// Run syncs with the homeserver until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.client == nil {
		return errors.New("matrix bridge has no client")
	}
	b.logger.Info("starting matrix bridge", "user_id", b.cfg.UserID, "homeserver", b.client.HomeserverURL.String())

	b.ctx = ctx
	b.startedAt = b.now()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnSync(b.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.HandleMessageEvent)
	syncer.OnEventType(event.StateMember, b.HandleMemberEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// HandleMessageEvent normalizes a room message and submits it for routing.
func (b *Bridge) HandleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.cfg.UserID {
		return
	}
	// Backlog from before startup was handled by a previous run
	if time.UnixMilli(evt.Timestamp).Before(b.startedAt.Add(-time.Minute)) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	msg, ok := b.toClientMessage(evt, content)
	if !ok {
		return
	}
	if b.suppressor != nil && b.suppressor.IsDuplicate(SourceName, evt.ID.String()) {
		b.logger.Debug("suppressed duplicate matrix event", "event_id", evt.ID)
		return
	}

	msg.UserName = b.displayName(ctx, evt.Sender)

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(msg.Text, 50),
		"attachments", len(msg.Attachments),
	)

	timeout := b.cfg.TaskTimeout
	submitted := b.dispatcher.Submit(b.ctx, func(taskCtx context.Context) {
		taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
		defer cancel()
		outcome := b.handler.HandleClientMessage(taskCtx, msg)
		b.logger.Debug("routed matrix message", "event_id", evt.ID, "outcome", outcome)
	})
	if !submitted {
		b.logger.Warn("dispatch pool closed, dropping message", "event_id", evt.ID)
	}
}

// toClientMessage maps supported message types. Notices are ignored so bots do not loop.
func (b *Bridge) toClientMessage(evt *event.Event, content *event.MessageEventContent) (router.ClientMessage, bool) {
	target := Target{RoomID: evt.RoomID, EventID: evt.ID}
	if content.RelatesTo != nil {
		target.ThreadID = content.RelatesTo.GetThreadParent()
	}

	msg := router.ClientMessage{
		ConversationID: evt.RoomID.String(),
		UserID:         evt.Sender.String(),
		TenantID:       b.cfg.RoomTenants[evt.RoomID.String()],
		ReplyTarget:    target.Encode(),
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		msg.Text = strings.TrimSpace(content.Body)
		if msg.Text == "" {
			return msg, false
		}
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		att := router.ClientAttachment{
			ID:   evt.ID.String(),
			Name: content.Body,
			URL:  string(content.URL),
		}
		if content.FileName != "" {
			att.Name = content.FileName
			if caption := strings.TrimSpace(content.Body); caption != content.FileName {
				msg.Text = caption
			}
		}
		if content.Info != nil {
			att.ContentType = content.Info.MimeType
			att.Size = int64(content.Info.Size)
		}
		if content.File != nil {
			att.Opaque = mustJSON(content.File)
		}
		msg.Attachments = []router.ClientAttachment{att}
	default:
		return msg, false
	}
	return msg, true
}

// HandleMemberEvent joins rooms the bot is invited to and posts the welcome message.
func (b *Bridge) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.cfg.UserID.String() {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.rooms.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Error("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)

	if b.cfg.Welcome == "" {
		return
	}
	target := Target{RoomID: evt.RoomID}
	if err := b.sender.SendText(joinCtx, target.Encode(), b.cfg.Welcome, ""); err != nil {
		b.logger.Warn("failed to send welcome message", "room", evt.RoomID, "error", err)
	}
}

// displayName returns the sender's profile name, cached for the process lifetime.
func (b *Bridge) displayName(ctx context.Context, user id.UserID) string {
	b.namesMu.Lock()
	name, ok := b.names[user]
	b.namesMu.Unlock()
	if ok {
		return name
	}

	name = user.String()
	if localpart, _, err := user.Parse(); err == nil && localpart != "" {
		name = localpart
	}
	if b.rooms != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, networkTimeout)
		defer cancel()
		resp, err := b.rooms.GetDisplayName(lookupCtx, user)
		if err != nil {
			b.logger.Debug("display name lookup failed", "user", user, "error", err)
			return name
		}
		if resp != nil && strings.TrimSpace(resp.DisplayName) != "" {
			name = strings.TrimSpace(resp.DisplayName)
		}
	}

	b.namesMu.Lock()
	b.names[user] = name
	b.namesMu.Unlock()
	return name
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
