package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/parser"
)

// Parser renders Telegram channel posts as HTML
type Parser struct{}

// New creates a new Telegram parser
func New() (Parser, error) {
	return Parser{}, nil
}

// Parse renders a channel post: forward header, message text, then the link preview
func (p Parser) Parse(item types.FeedItem) (parser.Response, error) {
	var b strings.Builder

	if item.IsReshare && item.ReshareBy != "" {
		fmt.Fprintf(&b, "<p class=\"reshare\">Forwarded from %s</p>\n", html.EscapeString(item.ReshareBy))
	}
	if item.Text != "" {
		b.WriteString(renderMarkup(item.Text))
	}
	if ext := item.External; ext != nil && ext.URI != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, `<div class="card"><a href="%s">%s</a>`, html.EscapeString(ext.URI), html.EscapeString(cardTitle(ext)))
		if ext.Description != "" {
			fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(ext.Description))
		}
		b.WriteString("</div>")
	}

	return parser.HTML(b.String()), nil
}

// ParseMessage converts a bare message text to HTML
func (p Parser) ParseMessage(message string) parser.Response {
	return parser.HTML(renderMarkup(message))
}

func cardTitle(ext *types.External) string {
	if ext.Title != "" {
		return ext.Title
	}
	return ext.URI
}

// Markdown-style markup used in channel posts, applied in order after escaping
var markup = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("```([^`]+)```"), "<pre><code>$1</code></pre>"},
	{regexp.MustCompile("`([^`]+)`"), "<code>$1</code>"},
	{regexp.MustCompile(`\*\*([^\*]+)\*\*`), "<strong>$1</strong>"},
	{regexp.MustCompile(`__([^_]+)__`), "<em>$1</em>"},
	{regexp.MustCompile(`~~([^~]+)~~`), "<del>$1</del>"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^\)]+)\)`), `<a href="$2">$1</a>`},
}

func renderMarkup(text string) string {
	if text == "" {
		return ""
	}

	text = html.EscapeString(text)
	for _, m := range markup {
		text = m.re.ReplaceAllString(text, m.repl)
	}
	text = strings.ReplaceAll(text, "\n", "<br>\n")

	return "<p>" + text + "</p>"
}
