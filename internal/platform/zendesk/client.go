// ABOUTME: Zendesk Support API client implementing platform.Client
// ABOUTME: Uses tickets as conversations, ticket comments as messages and upload tokens for attachments

package zendesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

const (
	// DefaultTimeout bounds each API request
	DefaultTimeout = 30 * time.Second

	// DefaultSubject is used when a ticket is opened without one
	DefaultSubject = "Helpdesk request"

	// emptyBody stands in for attachment-only comments, which Zendesk rejects without text
	emptyBody = "(attachment)"

	maxErrorBody = 2048
)

// Config holds Zendesk API settings. BaseURL overrides the subdomain URL.
type Config struct {
	Subdomain  string
	BaseURL    string
	Email      string
	APIToken   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Zendesk v2 API with token basic auth.
type Client struct {
	baseURL  string
	email    string
	apiToken string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Subdomain == "" {
			return nil, errors.New("zendesk: subdomain or base_url is required")
		}
		base = "https://" + cfg.Subdomain + ".zendesk.com/api/v2"
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, errors.New("zendesk: email and api_token are required")
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
		baseURL:  base,
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		http:     httpClient,
		logger:   logger.With("component", "zendesk"),
	}, nil
}

// Platform returns store.PlatformZendesk.
func (c *Client) Platform() store.Platform { return store.PlatformZendesk }

type userEnvelope struct {
	User user `json:"user"`
}

type user struct {
	ID         platform.FlexString `json:"id,omitempty"`
	Name       string              `json:"name,omitempty"`
	Email      string              `json:"email,omitempty"`
	ExternalID string              `json:"external_id,omitempty"`
	UserFields map[string]string   `json:"user_fields,omitempty"`
}

// GetOrCreateUser creates or updates the end user keyed by external id.
func (c *Client) GetOrCreateUser(ctx context.Context, profile platform.UserProfile) (string, error) {
	if profile.Reference == "" {
		return "", errors.New("zendesk: user reference is required")
	}
	name := profile.Name
	if name == "" {
		name = profile.Reference
	}

	req := userEnvelope{User: user{
		Name:       name,
		Email:      profile.Email,
		ExternalID: profile.Reference,
		UserFields: profile.Properties,
	}}
	var resp userEnvelope
	if err := c.doJSON(ctx, "create_or_update_user", http.MethodPost, "/users/create_or_update.json", req, &resp); err != nil {
		return "", err
	}
	if resp.User.ID == "" {
		return "", &platform.APIError{Platform: store.PlatformZendesk, Op: "create_or_update_user", Err: errors.New("response has no user id")}
	}
	return resp.User.ID.String(), nil
}

type comment struct {
	Body     string   `json:"body"`
	AuthorID *int64   `json:"author_id,omitempty"`
	Public   *bool    `json:"public,omitempty"`
	Uploads  []string `json:"uploads,omitempty"`
}

type ticket struct {
	ID          platform.FlexString `json:"id,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	Comment     *comment            `json:"comment,omitempty"`
	RequesterID *int64              `json:"requester_id,omitempty"`
	ExternalID  string              `json:"external_id,omitempty"`
}

type ticketEnvelope struct {
	Ticket ticket `json:"ticket"`
}

func uploadTokens(attachments []platform.Attachment) []string {
	var tokens []string
	for _, a := range attachments {
		if a.Token != "" {
			tokens = append(tokens, a.Token)
		}
	}
	return tokens
}

func commentBody(text string) string {
	if strings.TrimSpace(text) == "" {
		return emptyBody
	}
	return text
}

func parseUserID(id string) (*int64, error) {
	if id == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("zendesk user id %q: %w", id, err)
	}
	return &n, nil
}

// CreateConversation opens a ticket requested by the user.
func (c *Client) CreateConversation(ctx context.Context, req platform.CreateConversationRequest) (platform.ConversationIDs, error) {
	requester, err := parseUserID(req.UserID)
	if err != nil {
		return platform.ConversationIDs{}, err
	}
	subject := req.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	body := ticketEnvelope{Ticket: ticket{
		Subject:     subject,
		Comment:     &comment{Body: commentBody(req.Text), Uploads: uploadTokens(req.Attachments)},
		RequesterID: requester,
		ExternalID:  req.ClientConversationID,
	}}
	var resp ticketEnvelope
	if err := c.doJSON(ctx, "create_ticket", http.MethodPost, "/tickets.json", body, &resp); err != nil {
		return platform.ConversationIDs{}, err
	}
	if resp.Ticket.ID == "" {
		return platform.ConversationIDs{}, &platform.APIError{Platform: store.PlatformZendesk, Op: "create_ticket", Err: errors.New("response has no ticket id")}
	}

	c.logger.Info("created zendesk ticket", "platform_conversation_id", resp.Ticket.ID)
	return platform.ConversationIDs{Primary: resp.Ticket.ID.String()}, nil
}

// SendMessage adds a public comment authored by the user to the first ticket that accepts it.
func (c *Client) SendMessage(ctx context.Context, req platform.SendMessageRequest) error {
	if len(req.ConversationIDs) == 0 {
		return platform.DeliveryError(store.PlatformZendesk, nil, errors.New("no conversation ids"))
	}
	author, err := parseUserID(req.UserID)
	if err != nil {
		return err
	}
	public := true

	body := ticketEnvelope{Ticket: ticket{Comment: &comment{
		Body:     commentBody(req.Text),
		AuthorID: author,
		Public:   &public,
		Uploads:  uploadTokens(req.Attachments),
	}}}

	var lastErr error
	for _, id := range req.ConversationIDs {
		err := c.doJSON(ctx, "update_ticket", http.MethodPut, "/tickets/"+url.PathEscape(id)+".json", body, nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn("zendesk comment failed, trying next id", "platform_conversation_id", id, "error", err)
		lastErr = err
	}
	return platform.DeliveryError(store.PlatformZendesk, req.ConversationIDs, lastErr)
}

// UploadFile uploads raw bytes and returns the upload token.
func (c *Client) UploadFile(ctx context.Context, f platform.File) (platform.Attachment, error) {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	query := url.Values{"filename": {f.Name}}
	req, err := c.newRequest(ctx, http.MethodPost, "/uploads.json?"+query.Encode(), bytes.NewReader(f.Data))
	if err != nil {
		return platform.Attachment{}, err
	}
	req.Header.Set("Content-Type", contentType)

	var resp struct {
		Upload struct {
			Token      string `json:"token"`
			Attachment struct {
				ContentURL string `json:"content_url"`
			} `json:"attachment"`
		} `json:"upload"`
	}
	if err := c.do(req, "upload", &resp); err != nil {
		return platform.Attachment{}, err
	}
	if resp.Upload.Token == "" {
		return platform.Attachment{}, &platform.APIError{Platform: store.PlatformZendesk, Op: "upload", Err: errors.New("response has no upload token")}
	}
	return platform.Attachment{
		Kind:        platform.KindFor(contentType),
		Token:       resp.Upload.Token,
		URL:         resp.Upload.Attachment.ContentURL,
		Name:        f.Name,
		ContentType: contentType,
		Size:        int64(len(f.Data)),
	}, nil
}

// GetAgentName returns the user's display name.
func (c *Client) GetAgentName(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", nil
	}
	var resp userEnvelope
	if err := c.doJSON(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(agentID)+".json", nil, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.User.Name), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building zendesk request: %w", err)
	}
	req.SetBasicAuth(c.email+"/token", c.apiToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

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
		return &platform.APIError{Platform: store.PlatformZendesk, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &platform.APIError{
			Platform:   store.PlatformZendesk,
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
		return &platform.APIError{Platform: store.PlatformZendesk, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

var _ platform.Client = (*Client)(nil)
