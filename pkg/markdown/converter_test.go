package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToWidgetHTML(t *testing.T) {
	html := ToWidgetHTML("**bold** and *italic* and `code`")
	assert.Contains(t, html, "<b>bold</b>")
	assert.Contains(t, html, "<i>italic</i>")
	assert.Contains(t, html, "<code>code</code>")
}

func TestToWidgetHTMLLinksOpenNewTab(t *testing.T) {
	html := ToWidgetHTML("[docs](https://example.com/docs)")
	assert.Contains(t, html, `target="_blank"`)
	assert.Contains(t, html, `href="https://example.com/docs"`)
}

func TestToWidgetHTMLStripsUnsupportedTags(t *testing.T) {
	html := ToWidgetHTML("# Heading\n\nbody text")
	assert.NotContains(t, html, "<h1")
	assert.Contains(t, html, "Heading")
	assert.Contains(t, html, "body text")
}

func TestToWidgetHTMLLists(t *testing.T) {
	html := ToWidgetHTML("- first\n- second")
	assert.NotContains(t, html, "<ul>")
	assert.Contains(t, html, "• first")
	assert.Contains(t, html, "• second")
}

func TestToWidgetHTMLEmpty(t *testing.T) {
	assert.Equal(t, "", ToWidgetHTML(""))
}
