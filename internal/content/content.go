package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const MaxIDLength = 128

var (
	policy   = bluemonday.UGCPolicy()
	idRegex  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// Render converts markdown message content to HTML. The output passes the
// UGC sanitizing policy, raw HTML in the source never survives.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateID checks that an identifier is safe to embed in channel names,
// store keys and message subjects (alphanumeric, dash, underscore).
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id is longer than %d characters", MaxIDLength)
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dash, underscore)")
	}
	return nil
}
