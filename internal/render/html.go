// Package render converts model-produced markdown into the small HTML
// subset chat platforms accept (b, i, u, s, a, code, pre). Anything the
// subset cannot express is flattened to plain text instead of being
// stripped, so no content is lost on the way out.
package render

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// hashtagPattern matches #word hashtags the model sometimes emits; they
// render as plain words.
var hashtagPattern = regexp.MustCompile(`#(\w+)`)

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// Converter is safe for concurrent use; goldmark parsers are stateless
// across Convert calls.
type Converter struct {
	md goldmark.Markdown
}

func NewConverter() *Converter {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&chatRenderer{}, 100)),
		)),
	)
	return &Converter{md: md}
}

// ToChatHTML converts markdown to chat HTML. Text that already contains
// HTML tags outside fenced code blocks is assumed pre-rendered and passes
// through untouched.
func (c *Converter) ToChatHTML(text string) (string, error) {
	if IsHTML(text) {
		return text, nil
	}
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// IsHTML reports whether text contains HTML tags anywhere outside fenced
// code blocks. Tags inside fences are code samples, not markup.
func IsHTML(text string) bool {
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if htmlTagPattern.MatchString(line) {
			return true
		}
	}
	return false
}
