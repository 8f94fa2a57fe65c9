// ABOUTME: Filename and content-type helpers for relaying attachments across platforms
// ABOUTME: Sanitizes names, infers missing extensions and formats sizes for file cards

package platform

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxFilenameLength bounds sanitized filenames, extension included
	MaxFilenameLength = 255

	unnamedFile = "unnamed_file"
)

var (
	dangerousChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	repeatedSpaces = regexp.MustCompile(`[\s_]+`)
)

// Extensions mime.ExtensionsByType does not know on minimal systems
var fallbackExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/webm": ".webm",
	"audio/webm": ".webm",
	"video/mp4":  ".mp4",
	"text/plain": ".txt",
	"text/csv":   ".csv",

	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
}

// SanitizeFilename makes a client-supplied filename safe to upload.
func SanitizeFilename(name string) string {
	if name == "" {
		return unnamedFile
	}

	name = norm.NFC.String(name)
	name = dangerousChars.ReplaceAllString(name, "_")
	name = repeatedSpaces.ReplaceAllString(name, "_")
	name = strings.Trim(name, " ._")
	if name == "" {
		return unnamedFile
	}

	if len(name) > MaxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= MaxFilenameLength {
			ext = ""
		}
		base := strings.TrimSuffix(name, ext)
		name = truncateUTF8(base, MaxFilenameLength-len(ext)) + ext
	}
	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// EnsureExtension appends an extension inferred from contentType when name has none.
func EnsureExtension(name, contentType string) string {
	if filepath.Ext(name) != "" || contentType == "" {
		return name
	}
	if ext := ExtensionFor(contentType); ext != "" {
		return name + ext
	}
	return name
}

// ExtensionFor returns a dotted extension for a content type, or "".
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if ext, ok := fallbackExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ContentTypeFor guesses a content type from a filename extension.
func ContentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// IsImage reports whether contentType is an image type.
func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// FormatSize renders a byte count for humans, e.g. "1.5 MB".
func FormatSize(size int64) string {
	if size < 0 {
		return "0 B"
	}
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	value := float64(size)
	for _, unit := range []string{"KB", "MB", "GB", "TB"} {
		value /= 1024
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%.1f PB", value/1024)
}
