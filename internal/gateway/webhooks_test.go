// ABOUTME: Tests for the helpdesk webhook endpoints
// ABOUTME: Covers signature checks, body limits, ignored payloads, redelivery and queue backpressure

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskbridge/internal/config"
	"github.com/2389/deskbridge/internal/platform/zendesk"
)

func agentComment(commentID, body string) []byte {
	return []byte(fmt.Sprintf(
		`{"ticket":{"id":"123","status":"open","requester_id":"55","comments":[{"id":%q,"author_id":"agent-7","body":%q}]}}`,
		commentID, body,
	))
}

func (tg *testGateway) postSigned(body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/zendesk", bytes.NewReader(body))
	req.Header.Set(zendesk.SignatureHeader, tg.hook.Sign(body))
	return tg.do(req)
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["status"]
}

func TestWebhook_RelaysAgentMessage(t *testing.T) {
	tg := newTestGateway(t)
	tg.seedMapping(t)

	rec := tg.postSigned(agentComment("9001", "Hello from support"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decodeStatus(t, rec))

	require.Eventually(t, func() bool { return len(tg.sender.Texts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := tg.sender.Texts()[0]
	assert.Equal(t, "Hello from support", got.text)
	assert.Equal(t, "Dana", got.sender)
	assert.JSONEq(t, testRoomTarget, string(got.target))
}

func TestWebhook_RedeliveryRelayedOnce(t *testing.T) {
	tg := newTestGateway(t)
	tg.seedMapping(t)

	body := agentComment("9001", "Hello from support")
	assert.Equal(t, http.StatusOK, tg.postSigned(body).Code)
	assert.Equal(t, http.StatusOK, tg.postSigned(body).Code)

	// Draining the pool guarantees both deliveries were routed
	require.NoError(t, tg.gw.Shutdown(context.Background()))
	assert.Len(t, tg.sender.Texts(), 1)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	tg := newTestGateway(t)
	tg.seedMapping(t)
	body := agentComment("9001", "Hello")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/zendesk", bytes.NewReader(body))
	req.Header.Set(zendesk.SignatureHeader, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, tg.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/zendesk", bytes.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, tg.do(req).Code)

	require.NoError(t, tg.gw.Shutdown(context.Background()))
	assert.Empty(t, tg.sender.Texts())
}

func TestWebhook_UnsignedWhenNoSecret(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *fakeSender) {
		cfg.Zendesk.WebhookSecret = ""
	})
	tg.seedMapping(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/zendesk", bytes.NewReader(agentComment("9001", "Hi")))
	assert.Equal(t, http.StatusOK, tg.do(req).Code)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *fakeSender) {
		cfg.Server.MaxBodyBytes = 16
	})

	rec := tg.postSigned(agentComment("9001", "this body is well over sixteen bytes"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhook_InvalidPayload(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.postSigned([]byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_IgnoredPayload(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.postSigned([]byte(`{"ticket":{"id":"123","status":"open"}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeStatus(t, rec))
}

func TestWebhook_QueueFullAsksForRetry(t *testing.T) {
	release := make(chan struct{})
	tg := newTestGateway(t, func(cfg *config.Config, sender *fakeSender) {
		cfg.Dispatch.Workers = 1
		cfg.Dispatch.QueueSize = 1
		sender.block = release
	})
	t.Cleanup(func() { close(release) })
	tg.seedMapping(t)

	codes := make(map[int]int)
	for i := 0; i < 3; i++ {
		rec := tg.postSigned(agentComment(fmt.Sprintf("c-%d", i), "queued"))
		codes[rec.Code]++
	}

	// One task runs and one waits; anything beyond that is pushed back to the platform
	assert.GreaterOrEqual(t, codes[http.StatusServiceUnavailable], 1)
	assert.LessOrEqual(t, codes[http.StatusOK], 2)
}

func TestWebhook_UnknownPlatformRoute(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/freshchat", bytes.NewReader([]byte(`{}`)))
	assert.Equal(t, http.StatusNotFound, tg.do(req).Code)
}

func TestWebhookHealth(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(httptest.NewRequest(http.MethodGet, "/webhooks/zendesk/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "zendesk", resp["platform"])
	assert.Equal(t, true, resp["signature_verification"])

	rec = tg.do(httptest.NewRequest(http.MethodGet, "/webhooks/freshchat/health", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(httptest.NewRequest(http.MethodGet, "/webhooks/intercom/health", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
