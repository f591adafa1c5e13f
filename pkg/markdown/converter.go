package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToWidgetHTML converts assistant markdown into the restricted HTML the embed
// widget's chat bubbles can render. Used only when the bot has rich responses
// enabled; plain-text channels receive the raw markdown.
func ToWidgetHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTMLForWidget(html)
}

var (
	preCodeRe  = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>((?s).*?)</code></pre>`)
	paraRe     = regexp.MustCompile(`<p>((?s).*?)</p>`)
	tagRe      = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?>`)
	tagNameRe  = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)`)
	newlinesRe = regexp.MustCompile(`\n{3,}`)
	anchorRe   = regexp.MustCompile(`<a\s+href="(https?://[^"]*)"[^>]*>`)
)

// cleanHTMLForWidget keeps the small tag set the widget supports and rewrites
// links to open in a new tab.
func cleanHTMLForWidget(html string) string {
	html = paraRe.ReplaceAllString(html, "$1\n")
	html = preCodeRe.ReplaceAllString(html, "<pre>$1</pre>")

	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	html = strings.ReplaceAll(html, "<ul>", "")
	html = strings.ReplaceAll(html, "</ul>", "")
	html = strings.ReplaceAll(html, "<ol>", "")
	html = strings.ReplaceAll(html, "</ol>", "")
	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")

	html = anchorRe.ReplaceAllString(html, `<a href="$1" target="_blank" rel="noopener">`)

	supportedTags := []string{"b", "i", "u", "s", "code", "pre", "a", "br"}
	html = tagRe.ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := tagNameRe.FindStringSubmatch(match)
		if len(tagMatch) > 1 {
			for _, supported := range supportedTags {
				if tagMatch[1] == supported {
					return match
				}
			}
		}
		return ""
	})

	html = newlinesRe.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
