// ABOUTME: Routes chat messages to helpdesk conversations and helpdesk events back to chat
// ABOUTME: Owns conversation lifecycle: creation, greeting, recreation after resolution, closure notice

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

// MappingStore is the mapping repository the router reads and writes.
type MappingStore interface {
	GetByClientID(ctx context.Context, clientConversationID string, p store.Platform) (store.Mapping, bool, error)
	GetByPlatformID(ctx context.Context, id string, p store.Platform) (store.Mapping, bool, error)
	GetLatestByUser(ctx context.Context, clientUserID string, p store.Platform) (store.Mapping, bool, error)
	Upsert(ctx context.Context, m store.Mapping) (store.Mapping, error)
	MarkResolved(ctx context.Context, platformConversationID string, p store.Platform, resolved bool) error
	MarkGreetingSent(ctx context.Context, clientConversationID string, p store.Platform) error
	UpdateReplyTarget(ctx context.Context, clientConversationID string, p store.Platform, target json.RawMessage) error
	UpdatePlatformIDs(ctx context.Context, clientConversationID string, p store.Platform, primary, alt string) error
}

// Suppressor reports redelivered events
type Suppressor interface {
	IsDuplicate(source, id string) bool
}

// ClientAttachment is an attachment on an inbound chat message
type ClientAttachment struct {
	ID          string
	Name        string
	ContentType string
	URL         string
	Size        int64

	// Opaque carries client-specific data needed to fetch the content
	Opaque json.RawMessage
}

// ClientMessage is a normalized inbound chat message.
type ClientMessage struct {
	ConversationID string
	UserID         string
	UserName       string
	UserEmail      string
	TenantID       string
	Text           string
	Attachments    []ClientAttachment
	ReplyTarget    json.RawMessage
}

// FileCard is a non-image attachment rendered as a link in chat
type FileCard struct {
	Name        string
	URL         string
	ContentType string
	Size        int64
}

// ClientSender delivers to and downloads from the chat client.
type ClientSender interface {
	SendText(ctx context.Context, target json.RawMessage, text, senderName string) error
	SendFileCard(ctx context.Context, target json.RawMessage, card FileCard, senderName string) error
	DownloadAttachment(ctx context.Context, att ClientAttachment) (*platform.File, error)
}

// Outcome summarizes how a message or event was handled
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDelivered Outcome = "delivered"
	OutcomeRecreated Outcome = "recreated"
	OutcomeFailed    Outcome = "failed"
	OutcomeRelayed   Outcome = "relayed"
	OutcomeResolved  Outcome = "resolved"
	OutcomeDropped   Outcome = "dropped"
	OutcomeDuplicate Outcome = "duplicate"
)

// Config holds router dependencies.
type Config struct {
	Store      MappingStore
	Suppressor Suppressor
	Client     ClientSender
	Platforms  []platform.Client

	// DefaultPlatform serves messages whose tenant has no explicit platform
	DefaultPlatform store.Platform
	TenantPlatforms map[string]store.Platform

	// RecoverByUser reuses the user's latest open conversation when the
	// client conversation id is unknown, for clients that rotate ids
	RecoverByUser bool

	Notices Notices
	Logger  *slog.Logger
}

// Router connects chat conversations with helpdesk conversations.
type Router struct {
	store         MappingStore
	suppressor    Suppressor
	client        ClientSender
	platforms     map[store.Platform]platform.Client
	defaultP      store.Platform
	tenants       map[string]store.Platform
	recoverByUser bool
	notices       Notices
	logger        *slog.Logger
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, errors.New("router: store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("router: client sender is required")
	}
	if len(cfg.Platforms) == 0 {
		return nil, errors.New("router: at least one platform is required")
	}

	platforms := make(map[store.Platform]platform.Client, len(cfg.Platforms))
	for _, c := range cfg.Platforms {
		if _, dup := platforms[c.Platform()]; dup {
			return nil, fmt.Errorf("router: platform %s registered twice", c.Platform())
		}
		platforms[c.Platform()] = c
	}

	defaultP := cfg.DefaultPlatform
	if defaultP == "" {
		if len(cfg.Platforms) > 1 {
			return nil, errors.New("router: default platform is required with several platforms")
		}
		defaultP = cfg.Platforms[0].Platform()
	}
	if _, ok := platforms[defaultP]; !ok {
		return nil, fmt.Errorf("router: default platform %s is not configured", defaultP)
	}
	for tenant, p := range cfg.TenantPlatforms {
		if _, ok := platforms[p]; !ok {
			return nil, fmt.Errorf("router: tenant %q uses unconfigured platform %s", tenant, p)
		}
	}

	suppressor := cfg.Suppressor
	if suppressor == nil {
		suppressor = noSuppression{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notices := DefaultNotices(DefaultLocale).Merge(cfg.Notices)

	return &Router{
		store:         cfg.Store,
		suppressor:    suppressor,
		client:        cfg.Client,
		platforms:     platforms,
		defaultP:      defaultP,
		tenants:       cfg.TenantPlatforms,
		recoverByUser: cfg.RecoverByUser,
		notices:       notices,
		logger:        logger.With("component", "router"),
	}, nil
}

type noSuppression struct{}

func (noSuppression) IsDuplicate(string, string) bool { return false }

// Notices returns the messages this router sends.
func (r *Router) Notices() Notices { return r.notices }

// PlatformFor returns the helpdesk that serves a tenant.
func (r *Router) PlatformFor(tenantID string) store.Platform {
	if p, ok := r.tenants[tenantID]; ok && tenantID != "" {
		return p
	}
	return r.defaultP
}

// HandleClientMessage forwards a chat message to the helpdesk, opening a
// conversation when none is active.
func (r *Router) HandleClientMessage(ctx context.Context, msg ClientMessage) (outcome Outcome) {
	if msg.ConversationID == "" {
		r.logger.Warn("dropping client message without conversation id", "user", msg.UserID)
		return OutcomeDropped
	}

	p := r.PlatformFor(msg.TenantID)
	helpdesk := r.platforms[p]
	logger := r.logger.With("platform", p, "client_conversation_id", msg.ConversationID)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while routing client message", "panic", rec)
			r.notify(ctx, logger, msg.ReplyTarget, r.notices.ProcessingError)
			outcome = OutcomeFailed
		}
	}()

	m, found, err := r.store.GetByClientID(ctx, msg.ConversationID, p)
	if err != nil {
		logger.Error("failed to look up mapping", "error", err)
		r.notify(ctx, logger, msg.ReplyTarget, r.notices.ProcessingError)
		return OutcomeFailed
	}
	if !found && r.recoverByUser && msg.UserID != "" {
		m, found = r.recoverMapping(ctx, logger, msg, p)
	}

	attachments := r.uploadAttachments(ctx, logger, helpdesk, msg.Attachments)

	switch {
	case !found || m.IsResolved:
		if _, err := r.openConversation(ctx, logger, helpdesk, msg, attachments); err != nil {
			logger.Error("failed to create conversation", "error", err)
			r.notify(ctx, logger, msg.ReplyTarget, r.notices.Failure)
			outcome = OutcomeFailed
		} else {
			outcome = OutcomeCreated
		}

	default:
		err := r.deliver(ctx, helpdesk, m, msg, attachments)
		if err == nil {
			logger.Debug("delivered client message", "platform_conversation_id", m.PlatformConversationID)
			outcome = OutcomeDelivered
			break
		}

		if !errors.Is(err, platform.ErrDeliveryFailed) {
			// Timeouts and transport errors say nothing about the conversation itself
			logger.Error("failed to deliver client message", "error", err,
				"platform_conversation_id", m.PlatformConversationID)
			r.notify(ctx, logger, msg.ReplyTarget, r.notices.Failure)
			outcome = OutcomeFailed
			break
		}

		logger.Warn("delivery failed, starting a new conversation", "error", err,
			"platform_conversation_id", m.PlatformConversationID)
		if resolveErr := r.store.MarkResolved(ctx, primaryID(m), p, true); resolveErr != nil {
			logger.Error("failed to resolve stale mapping", "error", resolveErr)
		}
		if _, err := r.openConversation(ctx, logger, helpdesk, msg, attachments); err != nil {
			logger.Error("failed to recreate conversation", "error", err)
			r.notify(ctx, logger, msg.ReplyTarget, r.notices.Failure)
			outcome = OutcomeFailed
			break
		}
		r.notify(ctx, logger, msg.ReplyTarget, r.notices.NewConversation)
		outcome = OutcomeRecreated
	}

	// The reply target can change between messages, keep the latest
	if len(msg.ReplyTarget) > 0 {
		err := r.store.UpdateReplyTarget(ctx, msg.ConversationID, p, msg.ReplyTarget)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("failed to update reply target", "error", err)
		}
	}
	return outcome
}

// recoverMapping rekeys the user's latest open conversation to a new client conversation id.
func (r *Router) recoverMapping(ctx context.Context, logger *slog.Logger, msg ClientMessage, p store.Platform) (store.Mapping, bool) {
	latest, ok, err := r.store.GetLatestByUser(ctx, msg.UserID, p)
	if err != nil {
		logger.Warn("failed to look up latest mapping for user", "error", err)
		return store.Mapping{}, false
	}
	if !ok {
		return store.Mapping{}, false
	}

	rekeyed := latest
	rekeyed.ID = ""
	rekeyed.ClientConversationID = msg.ConversationID
	rekeyed.ReplyTarget = msg.ReplyTarget
	saved, err := r.store.Upsert(ctx, rekeyed)
	if err != nil {
		logger.Warn("failed to rekey recovered mapping", "error", err)
		return store.Mapping{}, false
	}
	logger.Info("recovered open conversation for user",
		"previous_client_conversation_id", latest.ClientConversationID,
		"platform_conversation_id", saved.PlatformConversationID)
	return saved, true
}

// openConversation creates the platform user and conversation, persists the
// mapping, then greets the user once.
func (r *Router) openConversation(ctx context.Context, logger *slog.Logger, helpdesk platform.Client, msg ClientMessage, attachments []platform.Attachment) (store.Mapping, error) {
	p := helpdesk.Platform()

	profile := platform.UserProfile{
		Reference: msg.UserID,
		Name:      msg.UserName,
		Email:     msg.UserEmail,
	}
	if msg.TenantID != "" {
		profile.Properties = map[string]string{"tenant_id": msg.TenantID}
	}
	userID, err := helpdesk.GetOrCreateUser(ctx, profile)
	if err != nil {
		return store.Mapping{}, fmt.Errorf("creating platform user: %w", err)
	}

	if linker := linkerFor(helpdesk); linker != nil {
		if err := linker.LinkClientConversation(ctx, userID, msg.ConversationID); err != nil {
			logger.Warn("failed to link client conversation on platform user", "error", err)
		}
	}

	ids, err := helpdesk.CreateConversation(ctx, platform.CreateConversationRequest{
		UserID:               userID,
		Text:                 msg.Text,
		Attachments:          attachments,
		ClientConversationID: msg.ConversationID,
		Subject:              subjectFor(msg.Text),
	})
	if err != nil {
		return store.Mapping{}, fmt.Errorf("creating platform conversation: %w", err)
	}

	saved, err := r.store.Upsert(ctx, store.Mapping{
		ClientConversationID:      msg.ConversationID,
		ClientUserID:              msg.UserID,
		ReplyTarget:               msg.ReplyTarget,
		Platform:                  p,
		PlatformConversationID:    ids.Primary,
		PlatformConversationAltID: ids.Alt,
		PlatformUserID:            userID,
		TenantID:                  msg.TenantID,
	})
	if err != nil {
		return store.Mapping{}, fmt.Errorf("saving mapping: %w", err)
	}
	logger.Info("created platform conversation",
		"platform_conversation_id", ids.Primary,
		"platform_conversation_alt_id", ids.Alt)

	if !saved.GreetingSent && len(msg.ReplyTarget) > 0 {
		noticeCtx, cancel := noticeContext(ctx)
		err := r.client.SendText(noticeCtx, msg.ReplyTarget, r.notices.Greeting, "")
		cancel()
		if err != nil {
			logger.Warn("failed to send greeting", "error", err)
			return saved, nil
		}
		if err := r.store.MarkGreetingSent(ctx, msg.ConversationID, p); err != nil {
			logger.Warn("failed to record greeting", "error", err)
		} else {
			saved.GreetingSent = true
		}
	}
	return saved, nil
}

func (r *Router) deliver(ctx context.Context, helpdesk platform.Client, m store.Mapping, msg ClientMessage, attachments []platform.Attachment) error {
	if m.PlatformUserID == "" {
		return fmt.Errorf("mapping has no platform user: %w", platform.ErrDeliveryFailed)
	}
	ids := m.PlatformIDs()
	if len(ids) == 0 {
		return fmt.Errorf("mapping has no platform conversation: %w", platform.ErrDeliveryFailed)
	}
	return helpdesk.SendMessage(ctx, platform.SendMessageRequest{
		ConversationIDs: ids,
		UserID:          m.PlatformUserID,
		Text:            msg.Text,
		Attachments:     attachments,
		SenderName:      msg.UserName,
	})
}

// uploadAttachments moves client attachments to the platform, skipping any that fail.
func (r *Router) uploadAttachments(ctx context.Context, logger *slog.Logger, helpdesk platform.Client, atts []ClientAttachment) []platform.Attachment {
	if len(atts) == 0 {
		return nil
	}
	uploaded := make([]platform.Attachment, 0, len(atts))
	for _, att := range atts {
		f, err := r.client.DownloadAttachment(ctx, att)
		if err != nil || f == nil || len(f.Data) == 0 {
			logger.Warn("skipping attachment that could not be downloaded", "attachment", att.Name, "error", err)
			continue
		}
		if f.Name == "" {
			f.Name = att.Name
		}
		if f.ContentType == "" {
			f.ContentType = att.ContentType
		}
		if f.ContentType == "" {
			f.ContentType = platform.ContentTypeFor(f.Name)
		}
		f.Name = platform.EnsureExtension(platform.SanitizeFilename(f.Name), f.ContentType)

		ref, err := helpdesk.UploadFile(ctx, *f)
		if err != nil {
			logger.Warn("skipping attachment that could not be uploaded", "attachment", f.Name, "error", err)
			continue
		}
		uploaded = append(uploaded, ref)
	}
	return uploaded
}

// HandlePlatformEvent relays an agent message or a resolution back to the chat user.
func (r *Router) HandlePlatformEvent(ctx context.Context, ev platform.Event) (outcome Outcome) {
	logger := r.logger.With("platform", ev.Platform, "event_id", ev.EventID,
		"platform_conversation_id", ev.ConversationID)

	if r.suppressor.IsDuplicate(string(ev.Platform), ev.EventID) {
		logger.Debug("suppressed duplicate platform event")
		return OutcomeDuplicate
	}

	helpdesk, ok := r.platforms[ev.Platform]
	if !ok {
		logger.Warn("dropping event for unconfigured platform")
		return OutcomeDropped
	}
	if ev.ConversationID == "" && ev.AltConversationID == "" {
		logger.Warn("dropping event without conversation id")
		return OutcomeDropped
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while routing platform event", "panic", rec)
			outcome = OutcomeFailed
		}
	}()

	m, found, err := r.lookupEvent(ctx, ev)
	if err != nil {
		logger.Error("failed to look up mapping", "error", err)
		return OutcomeFailed
	}
	if !found {
		logger.Warn("no mapping for platform conversation")
		return OutcomeDropped
	}
	logger = logger.With("client_conversation_id", m.ClientConversationID)
	r.backfillIDs(ctx, logger, m, ev)

	switch ev.Kind {
	case platform.EventResolution:
		return r.resolve(ctx, logger, m)
	case platform.EventMessage:
		return r.relay(ctx, logger, helpdesk, m, ev)
	default:
		logger.Warn("dropping event of unknown kind", "kind", ev.Kind)
		return OutcomeDropped
	}
}

// lookupEvent finds the mapping by the primary id, then the alternate id.
func (r *Router) lookupEvent(ctx context.Context, ev platform.Event) (store.Mapping, bool, error) {
	for _, id := range []string{ev.ConversationID, ev.AltConversationID} {
		if id == "" {
			continue
		}
		m, ok, err := r.store.GetByPlatformID(ctx, id, ev.Platform)
		if err != nil || ok {
			return m, ok, err
		}
	}
	return store.Mapping{}, false, nil
}

// backfillIDs stores event ids the mapping does not know yet.
func (r *Router) backfillIDs(ctx context.Context, logger *slog.Logger, m store.Mapping, ev platform.Event) {
	var primary, alt string
	if m.PlatformConversationID == "" && ev.ConversationID != "" && !m.HasPlatformID(ev.ConversationID) {
		primary = ev.ConversationID
	}
	if m.PlatformConversationAltID == "" && ev.AltConversationID != "" && !m.HasPlatformID(ev.AltConversationID) {
		alt = ev.AltConversationID
	}
	if primary == "" && alt == "" {
		return
	}
	if err := r.store.UpdatePlatformIDs(ctx, m.ClientConversationID, m.Platform, primary, alt); err != nil {
		logger.Warn("failed to backfill platform ids", "error", err)
	}
}

func (r *Router) resolve(ctx context.Context, logger *slog.Logger, m store.Mapping) Outcome {
	if m.IsResolved {
		logger.Info("conversation already resolved")
		return OutcomeDropped
	}
	if err := r.store.MarkResolved(ctx, primaryID(m), m.Platform, true); err != nil {
		logger.Error("failed to mark conversation resolved", "error", err)
		return OutcomeFailed
	}
	logger.Info("conversation resolved")

	if len(m.ReplyTarget) > 0 {
		r.notify(ctx, logger, m.ReplyTarget, r.notices.Closure)
	}
	return OutcomeResolved
}

func (r *Router) relay(ctx context.Context, logger *slog.Logger, helpdesk platform.Client, m store.Mapping, ev platform.Event) Outcome {
	if len(m.ReplyTarget) == 0 {
		logger.Error("mapping has no reply target")
		return OutcomeFailed
	}

	var senderName string
	if ev.ActorType == platform.ActorAgent && ev.ActorID != "" {
		name, err := helpdesk.GetAgentName(ctx, ev.ActorID)
		if err != nil {
			logger.Warn("failed to look up agent name", "agent_id", ev.ActorID, "error", err)
		}
		senderName = name
	}

	failed := false
	if strings.TrimSpace(ev.Text) != "" {
		if err := r.client.SendText(ctx, m.ReplyTarget, ev.Text, senderName); err != nil {
			logger.Error("failed to relay agent message", "error", err)
			failed = true
		}
	}

	for _, att := range ev.Attachments {
		if att.URL == "" {
			logger.Warn("skipping attachment without url", "attachment", att.Name)
			continue
		}
		var err error
		if att.Kind == platform.AttachmentImage || platform.IsImage(att.ContentType) {
			alt := att.Name
			if alt == "" {
				alt = "image"
			}
			err = r.client.SendText(ctx, m.ReplyTarget, fmt.Sprintf("![%s](%s)", alt, att.URL), senderName)
		} else {
			err = r.client.SendFileCard(ctx, m.ReplyTarget, FileCard{
				Name:        att.Name,
				URL:         att.URL,
				ContentType: att.ContentType,
				Size:        att.Size,
			}, senderName)
		}
		if err != nil {
			logger.Error("failed to relay attachment", "attachment", att.Name, "error", err)
			failed = true
		}
	}

	if failed {
		return OutcomeFailed
	}
	return OutcomeRelayed
}

// noticeTimeout bounds a notice sent after the task context may have expired
const noticeTimeout = 10 * time.Second

// noticeContext keeps ctx values but not its deadline, so a notice still goes
// out after the routing work timed out.
func noticeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
}

func (r *Router) notify(ctx context.Context, logger *slog.Logger, target json.RawMessage, text string) {
	if len(target) == 0 || text == "" {
		return
	}
	ctx, cancel := noticeContext(ctx)
	defer cancel()
	if err := r.client.SendText(ctx, target, text, ""); err != nil {
		logger.Warn("failed to send notice", "error", err)
	}
}

// linkerFor finds a ConversationLinker on the client or the client it wraps.
func linkerFor(c platform.Client) platform.ConversationLinker {
	for c != nil {
		if l, ok := c.(platform.ConversationLinker); ok {
			return l
		}
		u, ok := c.(interface{ Unwrap() platform.Client })
		if !ok {
			return nil
		}
		c = u.Unwrap()
	}
	return nil
}

func primaryID(m store.Mapping) string {
	if m.PlatformConversationID != "" {
		return m.PlatformConversationID
	}
	return m.PlatformConversationAltID
}

// maxSubjectLength bounds ticket subjects derived from message text
const maxSubjectLength = 80

// subjectFor derives a conversation subject from the first line of text.
func subjectFor(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxSubjectLength {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxSubjectLength-1])) + "…"
}
