// ABOUTME: Tests for the Matrix bridge event handlers
// ABOUTME: Drives handlers with constructed events and an inline dispatcher

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deskbridge/internal/dedupe"
	"github.com/2389/deskbridge/internal/dispatch"
	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/router"
)

const botID = id.UserID("@helpdesk:example.org")

type recordingHandler struct {
	mu   sync.Mutex
	msgs []router.ClientMessage
}

func (h *recordingHandler) HandleClientMessage(_ context.Context, msg router.ClientMessage) router.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return router.OutcomeDelivered
}

type inlineDispatcher struct{ closed bool }

func (d *inlineDispatcher) Submit(ctx context.Context, task dispatch.Task) bool {
	if d.closed {
		return false
	}
	task(ctx)
	return true
}

type fakeRooms struct {
	joined  []id.RoomID
	names   map[id.UserID]string
	lookups int
	joinErr error
}

func (f *fakeRooms) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (f *fakeRooms) GetDisplayName(_ context.Context, mxid id.UserID) (*mautrix.RespUserDisplayName, error) {
	f.lookups++
	name, ok := f.names[mxid]
	if !ok {
		return nil, errors.New("M_NOT_FOUND")
	}
	return &mautrix.RespUserDisplayName{DisplayName: name}, nil
}

type recordingSender struct {
	texts []string
}

func (s *recordingSender) SendText(_ context.Context, _ json.RawMessage, text, _ string) error {
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) SendFileCard(context.Context, json.RawMessage, router.FileCard, string) error {
	return nil
}

func (s *recordingSender) DownloadAttachment(context.Context, router.ClientAttachment) (*platform.File, error) {
	return nil, errors.New("not used")
}

type bridgeHarness struct {
	bridge     *Bridge
	handler    *recordingHandler
	rooms      *fakeRooms
	sender     *recordingSender
	dispatcher *inlineDispatcher
}

func newBridgeHarness(cfg BridgeConfig) *bridgeHarness {
	if cfg.UserID == "" {
		cfg.UserID = botID
	}
	h := &bridgeHarness{
		handler:    &recordingHandler{},
		rooms:      &fakeRooms{names: map[id.UserID]string{"@alice:example.org": "Alice Kim"}},
		sender:     &recordingSender{},
		dispatcher: &inlineDispatcher{},
	}
	h.bridge = NewBridge(cfg, nil, h.rooms, h.sender, h.handler, h.dispatcher, dedupe.NewSet(), nil)
	return h
}

func messageEvent(eventID id.EventID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Sender:    "@alice:example.org",
		RoomID:    "!room:example.org",
		ID:        eventID,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestBridge_TextMessage(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{RoomTenants: map[string]string{"!room:example.org": "acme"}})

	h.bridge.HandleMessageEvent(context.Background(), messageEvent("$e1", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "  my VPN is down  ",
	}))

	require.Len(t, h.handler.msgs, 1)
	msg := h.handler.msgs[0]
	assert.Equal(t, "!room:example.org", msg.ConversationID)
	assert.Equal(t, "@alice:example.org", msg.UserID)
	assert.Equal(t, "Alice Kim", msg.UserName)
	assert.Equal(t, "acme", msg.TenantID)
	assert.Equal(t, "my VPN is down", msg.Text)

	target, err := DecodeTarget(msg.ReplyTarget)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!room:example.org"), target.RoomID)
	assert.Equal(t, id.EventID("$e1"), target.EventID)
}

func TestBridge_SuppressesRedelivery(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})
	evt := messageEvent("$e1", &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"})

	h.bridge.HandleMessageEvent(context.Background(), evt)
	h.bridge.HandleMessageEvent(context.Background(), evt)

	assert.Len(t, h.handler.msgs, 1)
}

func TestBridge_IgnoresOwnNoticesEditsAndBacklog(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})
	ctx := context.Background()

	own := messageEvent("$own", &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"})
	own.Sender = botID
	h.bridge.HandleMessageEvent(ctx, own)

	h.bridge.HandleMessageEvent(ctx, messageEvent("$notice", &event.MessageEventContent{MsgType: event.MsgNotice, Body: "bot"}))

	h.bridge.HandleMessageEvent(ctx, messageEvent("$edit", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "* fixed",
		RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$e1"},
	}))

	old := messageEvent("$old", &event.MessageEventContent{MsgType: event.MsgText, Body: "yesterday"})
	old.Timestamp = time.Now().Add(-24 * time.Hour).UnixMilli()
	h.bridge.HandleMessageEvent(ctx, old)

	h.bridge.HandleMessageEvent(ctx, messageEvent("$blank", &event.MessageEventContent{MsgType: event.MsgText, Body: "   "}))

	assert.Empty(t, h.handler.msgs)
}

func TestBridge_AllowedRooms(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{AllowedRooms: []string{"!other:example.org"}})
	h.bridge.HandleMessageEvent(context.Background(), messageEvent("$e1", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))
	assert.Empty(t, h.handler.msgs)
}

func TestBridge_MediaMessage(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})

	h.bridge.HandleMessageEvent(context.Background(), messageEvent("$img", &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     "here is the error",
		FileName: "error.png",
		URL:      "mxc://example.org/abc",
		Info:     &event.FileInfo{MimeType: "image/png", Size: 1234},
	}))

	require.Len(t, h.handler.msgs, 1)
	msg := h.handler.msgs[0]
	assert.Equal(t, "here is the error", msg.Text)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "error.png", att.Name)
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, "mxc://example.org/abc", att.URL)
	assert.Equal(t, int64(1234), att.Size)
	assert.Nil(t, att.Opaque)
}

func TestBridge_ThreadedMessageKeepsThread(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})

	h.bridge.HandleMessageEvent(context.Background(), messageEvent("$reply", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "follow up",
		RelatesTo: (&event.RelatesTo{}).SetThread("$root", "$prev"),
	}))

	require.Len(t, h.handler.msgs, 1)
	target, err := DecodeTarget(h.handler.msgs[0].ReplyTarget)
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$root"), target.ThreadID)
}

func TestBridge_DisplayNameFallbackAndCache(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})
	ctx := context.Background()

	assert.Equal(t, "bob", h.bridge.displayName(ctx, "@bob:example.org"))
	assert.Equal(t, "Alice Kim", h.bridge.displayName(ctx, "@alice:example.org"))
	assert.Equal(t, "Alice Kim", h.bridge.displayName(ctx, "@alice:example.org"))
	assert.Equal(t, 2, h.rooms.lookups)
}

func TestBridge_ClosedDispatcherDrops(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{})
	h.dispatcher.closed = true
	h.bridge.HandleMessageEvent(context.Background(), messageEvent("$e1", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))
	assert.Empty(t, h.handler.msgs)
}

func inviteEvent(stateKey string) *event.Event {
	return &event.Event{
		Sender:   "@alice:example.org",
		RoomID:   "!new:example.org",
		Type:     event.StateMember,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
	}
}

func TestBridge_InviteJoinsAndWelcomes(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{Welcome: "Hi! Ask us anything."})

	h.bridge.HandleMemberEvent(context.Background(), inviteEvent(botID.String()))

	assert.Equal(t, []id.RoomID{"!new:example.org"}, h.rooms.joined)
	assert.Equal(t, []string{"Hi! Ask us anything."}, h.sender.texts)
}

func TestBridge_InviteForSomeoneElse(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{Welcome: "Hi!"})
	h.bridge.HandleMemberEvent(context.Background(), inviteEvent("@carol:example.org"))
	assert.Empty(t, h.rooms.joined)
	assert.Empty(t, h.sender.texts)
}

func TestBridge_InviteJoinFailure(t *testing.T) {
	h := newBridgeHarness(BridgeConfig{Welcome: "Hi!"})
	h.rooms.joinErr = errors.New("M_FORBIDDEN")
	h.bridge.HandleMemberEvent(context.Background(), inviteEvent(botID.String()))
	assert.Empty(t, h.sender.texts)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "helpdesk_matrix.org", Slugify("@helpdesk:matrix.org"))
	assert.Equal(t, "a-bc", Slugify("@a-b/c"))
}

func TestDeviceMismatch_NoDatabase(t *testing.T) {
	stale, err := deviceMismatch(t.TempDir()+"/missing.db", "DEVICE")
	require.NoError(t, err)
	assert.False(t, stale)
}
