// ABOUTME: Tests for Matrix message rendering
// ABOUTME: Covers sender lines, Markdown conversion, escaping and file cards

package matrix

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskbridge/internal/router"
)

func TestRenderer_Message(t *testing.T) {
	r := NewRenderer()

	body, html := r.Message("Try **restarting**\nthen reply", "Dana")
	assert.Equal(t, "Dana\n\nTry **restarting**\nthen reply", body)
	assert.Contains(t, html, "<strong>Dana</strong>")
	assert.Contains(t, html, "<strong>restarting</strong>")
	assert.Contains(t, html, "<br")
}

func TestRenderer_MessageWithoutSender(t *testing.T) {
	body, html := NewRenderer().Message("hello", "")
	assert.Equal(t, "hello", body)
	assert.Equal(t, "<p>hello</p>", html)
}

func TestRenderer_EscapesSenderMarkdown(t *testing.T) {
	_, html := NewRenderer().Message("hi", "Dana [ops]")
	assert.Contains(t, html, "<strong>Dana [ops]</strong>")
}

func TestRenderer_DropsRawHTML(t *testing.T) {
	_, html := NewRenderer().Message("<script>alert(1)</script>", "")
	assert.NotContains(t, html, "<script>")
}

func TestRenderer_FileCard(t *testing.T) {
	body, html := NewRenderer().FileCard(router.FileCard{
		Name: "report <final>.pdf",
		URL:  "https://cdn.example.com/r.pdf?a=1&b=2",
		Size: 2048,
	}, "Dana")

	assert.Equal(t, "Dana\n\n📎 report <final>.pdf (2.0 KB): https://cdn.example.com/r.pdf?a=1&b=2", body)
	assert.Contains(t, html, `href="https://cdn.example.com/r.pdf?a=1&amp;b=2"`)
	assert.Contains(t, html, "report &lt;final&gt;.pdf")
	assert.Contains(t, html, "<strong>Dana</strong>")
}

func TestTarget_RoundTrip(t *testing.T) {
	raw := Target{RoomID: "!room:example.org", ThreadID: "$root"}.Encode()
	assert.JSONEq(t, `{"room_id":"!room:example.org","thread_id":"$root"}`, string(raw))

	got, err := DecodeTarget(raw)
	require.NoError(t, err)
	assert.Equal(t, "!room:example.org", got.RoomID.String())
}

func TestDecodeTarget_Invalid(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`{`), json.RawMessage(`{"event_id":"$x"}`)} {
		_, err := DecodeTarget(raw)
		assert.ErrorIs(t, err, ErrInvalidTarget, string(raw))
	}
}
