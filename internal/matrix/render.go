// ABOUTME: Markdown to Matrix HTML rendering for relayed messages
// ABOUTME: Uses goldmark with GFM extensions and hard wraps so agent line breaks survive

package matrix

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/router"
)

// Renderer turns relayed text into a Matrix body and formatted body.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a renderer. Raw HTML in messages is dropped by goldmark.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify, extension.Table),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// Message renders text with an optional bold sender line.
func (r *Renderer) Message(text, senderName string) (body, formatted string) {
	body = text
	source := text
	if senderName != "" {
		body = senderName + "\n\n" + text
		source = "**" + escapeMarkdown(senderName) + "**\n\n" + text
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(source), &buf); err != nil {
		return body, "<p>" + html.EscapeString(body) + "</p>"
	}
	return body, strings.TrimSpace(buf.String())
}

// FileCard renders a link card for a non-image attachment.
func (r *Renderer) FileCard(card router.FileCard, senderName string) (body, formatted string) {
	name := card.Name
	if name == "" {
		name = "file"
	}
	size := ""
	if card.Size > 0 {
		size = " (" + platform.FormatSize(card.Size) + ")"
	}

	body = fmt.Sprintf("📎 %s%s: %s", name, size, card.URL)
	formatted = fmt.Sprintf(`<p>📎 <a href="%s">%s</a>%s</p>`,
		html.EscapeString(card.URL), html.EscapeString(name), html.EscapeString(size))

	if senderName != "" {
		body = senderName + "\n\n" + body
		formatted = "<p><strong>" + html.EscapeString(senderName) + "</strong></p>" + formatted
	}
	return body, formatted
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
