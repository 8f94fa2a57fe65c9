// ABOUTME: Tests for filename sanitization, extension inference and size formatting

package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "unnamed_file"},
		{"plain", "report.pdf", "report.pdf"},
		{"path traversal", "../../etc/passwd", "etc_passwd"},
		{"windows path", `C:\Users\me\doc.txt`, "C_Users_me_doc.txt"},
		{"dangerous chars", `a<b>c:"d|e?f*.png`, "a_b_c_d_e_f_.png"},
		{"collapses spaces", "my   quarterly  report.xlsx", "my_quarterly_report.xlsx"},
		{"hidden file", ".env", "env"},
		{"only dots", "...", "unnamed_file"},
		{"control chars", "bad\x00name\x1f.txt", "bad_name_.txt"},
		{"korean", "보고서 최종.docx", "보고서_최종.docx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilename_NormalizesToNFC(t *testing.T) {
	decomposed := "e\u0301.txt"
	assert.Equal(t, "\u00e9.txt", SanitizeFilename(decomposed))
}

func TestSanitizeFilename_TruncatesKeepingExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(long)

	assert.Len(t, got, MaxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestSanitizeFilename_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("가", 100) + ".txt"
	got := SanitizeFilename(long)

	assert.LessOrEqual(t, len(got), MaxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".txt"))
	assert.True(t, strings.HasPrefix(got, "가"))
	assert.NotContains(t, got, "\uFFFD")
}

func TestEnsureExtension(t *testing.T) {
	assert.Equal(t, "photo.png", EnsureExtension("photo", "image/png"))
	assert.Equal(t, "photo.jpg", EnsureExtension("photo.jpg", "image/png"))
	assert.Equal(t, "sheet.xlsx", EnsureExtension("sheet", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
	assert.Equal(t, "notes.txt", EnsureExtension("notes", "text/plain; charset=utf-8"))
	assert.Equal(t, "blob", EnsureExtension("blob", ""))
	assert.Equal(t, "blob", EnsureExtension("blob", "application/x-unknown-thing"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("a.PDF"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("noext"))
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, AttachmentImage, KindFor("image/jpeg"))
	assert.Equal(t, AttachmentImage, KindFor("IMAGE/PNG"))
	assert.Equal(t, AttachmentFile, KindFor("application/pdf"))
	assert.Equal(t, AttachmentFile, KindFor(""))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(-5))
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "1.0 MB", FormatSize(1024*1024))
	assert.Equal(t, "2.0 GB", FormatSize(2*1024*1024*1024))
}
