// ABOUTME: Freshchat REST API client implementing platform.Client
// ABOUTME: Manages users, conversations, messages, uploads and agent lookups over bearer-token HTTP

package freshchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

// DefaultTimeout bounds each API request
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 2048

// Config holds Freshchat API settings.
type Config struct {
	APIURL     string // e.g. https://example.freshchat.com/v2
	APIKey     string
	ChannelID  string // inbox the bridge opens conversations in
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Freshchat v2 API.
type Client struct {
	baseURL   string
	apiKey    string
	channelID string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("freshchat: api_url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("freshchat: api_key is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("freshchat: channel_id is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.APIURL, "/"),
		apiKey:    cfg.APIKey,
		channelID: cfg.ChannelID,
		http:      httpClient,
		logger:    logger.With("component", "freshchat"),
	}, nil
}

// Platform returns store.PlatformFreshchat.
func (c *Client) Platform() store.Platform { return store.PlatformFreshchat }

type userProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type userRequest struct {
	ReferenceID string         `json:"reference_id,omitempty"`
	FirstName   string         `json:"first_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Properties  []userProperty `json:"properties,omitempty"`
}

type userResponse struct {
	ID platform.FlexString `json:"id"`
}

// GetOrCreateUser finds the user by reference id or creates one.
func (c *Client) GetOrCreateUser(ctx context.Context, profile platform.UserProfile) (string, error) {
	if profile.Reference == "" {
		return "", errors.New("freshchat: user reference is required")
	}

	var found struct {
		Users []userResponse `json:"users"`
	}
	query := url.Values{"reference_id": {profile.Reference}}
	if err := c.doJSON(ctx, "get_user", http.MethodGet, "/users?"+query.Encode(), nil, &found); err != nil {
		var apiErr *platform.APIError
		// Freshchat answers 404 when no user carries the reference id
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			return "", err
		}
	}
	for _, u := range found.Users {
		if u.ID != "" {
			return u.ID.String(), nil
		}
	}

	req := userRequest{
		ReferenceID: profile.Reference,
		FirstName:   profile.Name,
		Email:       profile.Email,
		Properties:  properties(profile.Properties),
	}
	var created userResponse
	if err := c.doJSON(ctx, "create_user", http.MethodPost, "/users", req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &platform.APIError{Platform: store.PlatformFreshchat, Op: "create_user", Err: errors.New("response has no user id")}
	}

	c.logger.Info("created freshchat user", "reference_id", profile.Reference, "user_id", created.ID)
	return created.ID.String(), nil
}

// LinkClientConversation stores the client conversation id on the user profile.
func (c *Client) LinkClientConversation(ctx context.Context, platformUserID, clientConversationID string) error {
	req := userRequest{Properties: []userProperty{{Name: "client_conversation_id", Value: clientConversationID}}}
	return c.doJSON(ctx, "update_user", http.MethodPut, "/users/"+url.PathEscape(platformUserID), req, nil)
}

func properties(props map[string]string) []userProperty {
	if len(props) == 0 {
		return nil
	}
	out := make([]userProperty, 0, len(props))
	for name, value := range props {
		out = append(out, userProperty{Name: name, Value: value})
	}
	return out
}

type textPart struct {
	Content string `json:"content"`
}

type imagePart struct {
	URL string `json:"url"`
}

type filePart struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"file_size_in_bytes,omitempty"`
}

type messagePart struct {
	Text  *textPart  `json:"text,omitempty"`
	Image *imagePart `json:"image,omitempty"`
	File  *filePart  `json:"file,omitempty"`
}

type message struct {
	MessageParts []messagePart `json:"message_parts"`
	ActorType    string        `json:"actor_type"`
	ActorID      string        `json:"actor_id"`
	MessageType  string        `json:"message_type,omitempty"`
	ChannelID    string        `json:"channel_id,omitempty"`
}

// buildParts converts text and uploaded attachments into message parts.
func buildParts(text string, attachments []platform.Attachment) []messagePart {
	parts := make([]messagePart, 0, len(attachments)+1)
	if text != "" {
		parts = append(parts, messagePart{Text: &textPart{Content: text}})
	}
	for _, a := range attachments {
		if a.URL == "" {
			continue
		}
		if a.Kind == platform.AttachmentImage {
			parts = append(parts, messagePart{Image: &imagePart{URL: a.URL}})
			continue
		}
		parts = append(parts, messagePart{File: &filePart{
			URL:         a.URL,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		}})
	}
	return parts
}

type conversationUser struct {
	ID string `json:"id"`
}

type conversationRequest struct {
	ChannelID string             `json:"channel_id"`
	Messages  []message          `json:"messages"`
	Users     []conversationUser `json:"users"`
}

// CreateConversation opens a conversation in the configured channel.
func (c *Client) CreateConversation(ctx context.Context, req platform.CreateConversationRequest) (platform.ConversationIDs, error) {
	parts := buildParts(req.Text, req.Attachments)
	if len(parts) == 0 {
		parts = []messagePart{{Text: &textPart{Content: " "}}}
	}

	body := conversationRequest{
		ChannelID: c.channelID,
		Messages: []message{{
			MessageParts: parts,
			ActorType:    platform.ActorUser,
			ActorID:      req.UserID,
			ChannelID:    c.channelID,
		}},
		Users: []conversationUser{{ID: req.UserID}},
	}

	var resp struct {
		ConversationID platform.FlexString `json:"conversation_id"`
		ID             platform.FlexString `json:"id"`
	}
	if err := c.doJSON(ctx, "create_conversation", http.MethodPost, "/conversations", body, &resp); err != nil {
		return platform.ConversationIDs{}, err
	}

	ids := platform.ConversationIDs{Primary: resp.ConversationID.String(), Alt: resp.ID.String()}
	if ids.Primary == "" {
		ids.Primary, ids.Alt = ids.Alt, ""
	}
	if ids.Primary == "" {
		return ids, &platform.APIError{Platform: store.PlatformFreshchat, Op: "create_conversation", Err: errors.New("response has no conversation id")}
	}
	if ids.Alt == ids.Primary {
		ids.Alt = ""
	}

	c.logger.Info("created freshchat conversation",
		"platform_conversation_id", ids.Primary,
		"platform_conversation_alt_id", ids.Alt,
	)
	return ids, nil
}

// SendMessage posts into the first conversation id that accepts the message.
func (c *Client) SendMessage(ctx context.Context, req platform.SendMessageRequest) error {
	if len(req.ConversationIDs) == 0 {
		return platform.DeliveryError(store.PlatformFreshchat, nil, errors.New("no conversation ids"))
	}
	parts := buildParts(req.Text, req.Attachments)
	if len(parts) == 0 {
		return nil
	}

	msg := message{
		MessageParts: parts,
		ActorType:    platform.ActorUser,
		ActorID:      req.UserID,
		MessageType:  "normal",
	}

	var lastErr error
	for _, id := range req.ConversationIDs {
		path := "/conversations/" + url.PathEscape(id) + "/messages"
		err := c.doJSON(ctx, "send_message", http.MethodPost, path, msg, nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn("freshchat send failed, trying next id", "platform_conversation_id", id, "error", err)
		lastErr = err
	}
	return platform.DeliveryError(store.PlatformFreshchat, req.ConversationIDs, lastErr)
}

// UploadFile uploads an image or file and returns its hosted URL.
func (c *Client) UploadFile(ctx context.Context, f platform.File) (platform.Attachment, error) {
	kind := platform.KindFor(f.ContentType)
	endpoint := "/files/upload"
	if kind == platform.AttachmentImage {
		endpoint = "/images/upload"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return platform.Attachment{}, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return platform.Attachment{}, fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return platform.Attachment{}, fmt.Errorf("building upload: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return platform.Attachment{}, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var resp struct {
		URL         string `json:"url"`
		FileURL     string `json:"file_url"`
		Name        string `json:"file_name"`
		ContentType string `json:"file_content_type"`
		Size        int64  `json:"file_size"`
	}
	if err := c.do(httpReq, "upload", &resp); err != nil {
		return platform.Attachment{}, err
	}

	att := platform.Attachment{
		Kind:        kind,
		URL:         resp.URL,
		Name:        f.Name,
		ContentType: contentType,
		Size:        int64(len(f.Data)),
	}
	if att.URL == "" {
		att.URL = resp.FileURL
	}
	if resp.Name != "" {
		att.Name = resp.Name
	}
	if att.URL == "" {
		return platform.Attachment{}, &platform.APIError{Platform: store.PlatformFreshchat, Op: "upload", Err: errors.New("response has no url")}
	}
	return att, nil
}

// GetAgentName returns the agent's first and last name.
func (c *Client) GetAgentName(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", nil
	}
	var agent struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.doJSON(ctx, "get_agent", http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return "", err
	}
	return strings.TrimSpace(agent.FirstName + " " + agent.LastName), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building freshchat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doJSON sends in as a JSON body (when non-nil) and decodes the response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &platform.APIError{Platform: store.PlatformFreshchat, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &platform.APIError{
			Platform:   store.PlatformFreshchat,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &platform.APIError{Platform: store.PlatformFreshchat, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

var (
	_ platform.Client             = (*Client)(nil)
	_ platform.ConversationLinker = (*Client)(nil)
)
