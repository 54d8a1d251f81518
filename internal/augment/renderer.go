// Package augment renders assistant markdown to HTML alongside the raw
// message stream, so thin clients can paint formatted output without
// shipping a markdown engine.
package augment

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Renderer turns markdown into HTML. Implementations must be safe for
// concurrent use; one renderer is shared across subscriptions.
type Renderer interface {
	Render(markdown string) (string, error)
}

// GoldmarkRenderer renders GitHub-flavored markdown. Raw HTML in the
// source is escaped by goldmark's defaults, which is what we want for
// model output headed into a browser.
type GoldmarkRenderer struct {
	md goldmark.Markdown
}

// NewGoldmarkRenderer builds the default renderer with GFM tables,
// strikethrough, autolinks and task lists.
func NewGoldmarkRenderer() *GoldmarkRenderer {
	return &GoldmarkRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
}

func (r *GoldmarkRenderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
