package httphandler

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// descriptionRenderer turns an event description into safe HTML. Backend
// descriptions are editor HTML or plain text with markdown-style line
// structure; raw HTML blocks pass through goldmark and the policy cleans the
// result.
type descriptionRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func newDescriptionRenderer() descriptionRenderer {
	return descriptionRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithUnsafe(), html.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// render returns sanitized HTML for src, or "" for empty input.
func (d descriptionRenderer) render(src string) string {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := d.md.Convert([]byte(src), &buf); err != nil {
		return d.policy.Sanitize(src)
	}
	return d.policy.Sanitize(buf.String())
}
