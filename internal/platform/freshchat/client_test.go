// ABOUTME: Tests for the Freshchat API client against an httptest server
// ABOUTME: Covers user lookup/creation, conversation ids, send fallback, uploads and agent names

package freshchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskbridge/internal/platform"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   []byte
	Header http.Header
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
		Header: r.Header.Clone(),
	})
	f.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
	f.handler(w, r, body)
}

func (f *fakeAPI) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte)) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{handler: handler}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{APIURL: srv.URL + "/v2/", APIKey: "secret-key", ChannelID: "chan-1"})
	require.NoError(t, err)
	return c, api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k", ChannelID: "c"})
	assert.Error(t, err)
	_, err = NewClient(Config{APIURL: "http://x", ChannelID: "c"})
	assert.Error(t, err)
	_, err = NewClient(Config{APIURL: "http://x", APIKey: "k"})
	assert.Error(t, err)
}

func TestGetOrCreateUser_Existing(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusOK, map[string]any{"users": []map[string]any{{"id": "fc-user-9"}}})
	})

	id, err := c.GetOrCreateUser(context.Background(), platform.UserProfile{Reference: "@alice:example.org"})
	require.NoError(t, err)
	assert.Equal(t, "fc-user-9", id)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "/v2/users", reqs[0].Path)
	assert.Equal(t, "reference_id=%40alice%3Aexample.org", reqs[0].Query)
	assert.Equal(t, "Bearer secret-key", reqs[0].Auth)
}

func TestGetOrCreateUser_CreatesWhenMissing(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "fc-user-new"})
	})

	id, err := c.GetOrCreateUser(context.Background(), platform.UserProfile{
		Reference:  "@bob:example.org",
		Name:       "Bob",
		Email:      "bob@example.org",
		Properties: map[string]string{"tenant_id": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fc-user-new", id)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[1].Method)

	var sent userRequest
	require.NoError(t, json.Unmarshal(reqs[1].Body, &sent))
	assert.Equal(t, "@bob:example.org", sent.ReferenceID)
	assert.Equal(t, "Bob", sent.FirstName)
	assert.Equal(t, []userProperty{{Name: "tenant_id", Value: "acme"}}, sent.Properties)
}

func TestGetOrCreateUser_LookupFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "boom"})
	})

	_, err := c.GetOrCreateUser(context.Background(), platform.UserProfile{Reference: "x"})
	assert.ErrorIs(t, err, platform.ErrAPI)
}

func TestCreateConversation_ReturnsBothIDs(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"conversation_id":"5a1b-guid","id":987654321}`))
	})

	ids, err := c.CreateConversation(context.Background(), platform.CreateConversationRequest{
		UserID: "fc-user-1",
		Text:   "My laptop won't boot",
		Attachments: []platform.Attachment{
			{Kind: platform.AttachmentImage, URL: "https://cdn/img.png"},
			{Kind: platform.AttachmentFile, URL: "https://cdn/log.txt", Name: "log.txt", ContentType: "text/plain", Size: 12},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, platform.ConversationIDs{Primary: "5a1b-guid", Alt: "987654321"}, ids)

	var sent conversationRequest
	require.NoError(t, json.Unmarshal(api.Requests()[0].Body, &sent))
	assert.Equal(t, "chan-1", sent.ChannelID)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "user", sent.Messages[0].ActorType)
	assert.Equal(t, "fc-user-1", sent.Messages[0].ActorID)
	require.Len(t, sent.Messages[0].MessageParts, 3)
	assert.Equal(t, "My laptop won't boot", sent.Messages[0].MessageParts[0].Text.Content)
	assert.Equal(t, "https://cdn/img.png", sent.Messages[0].MessageParts[1].Image.URL)
	assert.Equal(t, "log.txt", sent.Messages[0].MessageParts[2].File.Name)
	assert.Equal(t, []conversationUser{{ID: "fc-user-1"}}, sent.Users)
}

func TestCreateConversation_MissingID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	_, err := c.CreateConversation(context.Background(), platform.CreateConversationRequest{UserID: "u", Text: "hi"})
	assert.ErrorIs(t, err, platform.ErrAPI)
}

func TestSendMessage_FallsBackAcrossIDs(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.URL.Path == "/v2/conversations/guid-dead/messages" {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "m1"})
	})

	err := c.SendMessage(context.Background(), platform.SendMessageRequest{
		ConversationIDs: []string{"guid-dead", "12345"},
		UserID:          "fc-user-1",
		Text:            "still broken",
	})
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v2/conversations/12345/messages", reqs[1].Path)
}

func TestSendMessage_AllIDsFail(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "conversation resolved"})
	})

	err := c.SendMessage(context.Background(), platform.SendMessageRequest{
		ConversationIDs: []string{"a", "b"},
		UserID:          "u",
		Text:            "hello",
	})
	assert.ErrorIs(t, err, platform.ErrDeliveryFailed)
	assert.ErrorIs(t, err, platform.ErrAPI)
}

func TestSendMessage_NoIDs(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {})

	err := c.SendMessage(context.Background(), platform.SendMessageRequest{Text: "x"})
	assert.ErrorIs(t, err, platform.ErrDeliveryFailed)
	assert.Empty(t, api.Requests())
}

func TestUploadFile_ImageEndpoint(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "screen.png", hdr.Filename)
		assert.Equal(t, []byte("PNGDATA"), data)
		writeJSON(w, http.StatusOK, map[string]any{"url": "https://cdn.freshchat/img/abc.png"})
	})

	att, err := c.UploadFile(context.Background(), platform.File{Data: []byte("PNGDATA"), Name: "screen.png", ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, platform.AttachmentImage, att.Kind)
	assert.Equal(t, "https://cdn.freshchat/img/abc.png", att.URL)
	assert.Equal(t, int64(7), att.Size)
	assert.Equal(t, "/v2/images/upload", api.Requests()[0].Path)
}

func TestUploadFile_FileEndpoint(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusOK, map[string]any{"file_url": "https://cdn.freshchat/f/report.pdf", "file_name": "report.pdf"})
	})

	att, err := c.UploadFile(context.Background(), platform.File{Data: []byte("%PDF"), Name: "report.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, platform.AttachmentFile, att.Kind)
	assert.Equal(t, "https://cdn.freshchat/f/report.pdf", att.URL)
	assert.Equal(t, "/v2/files/upload", api.Requests()[0].Path)
	assert.Contains(t, api.Requests()[0].Header.Get("Content-Type"), "multipart/form-data")
}

func TestGetAgentName(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, http.StatusOK, map[string]any{"first_name": "Dana", "last_name": "Kim"})
	})

	name, err := c.GetAgentName(context.Background(), "agent-7")
	require.NoError(t, err)
	assert.Equal(t, "Dana Kim", name)
	assert.Equal(t, "/v2/agents/agent-7", api.Requests()[0].Path)

	name, err = c.GetAgentName(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestLinkClientConversation(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.LinkClientConversation(context.Background(), "fc-user-1", "!room:example.org"))

	req := api.Requests()[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/v2/users/fc-user-1", req.Path)
	assert.JSONEq(t, `{"properties":[{"name":"client_conversation_id","value":"!room:example.org"}]}`, string(req.Body))
}
