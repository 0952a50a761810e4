// Package richtext renders plain post text with linked URLs, mentions and hashtags
package richtext

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/parser"
)

var token = regexp.MustCompile(`https?://[^\s<>"]+|@[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}|#[\p{L}\p{N}_]+`)

// Parser links URLs, and for Bluesky also @handles and #tags
type Parser struct {
	social bool
}

// New returns a parser. With social set, handles and tags link to bsky.app.
func New(social bool) Parser {
	return Parser{social: social}
}

func (p Parser) Parse(item types.FeedItem) (parser.Response, error) {
	var b strings.Builder
	if item.IsReshare && item.ReshareBy != "" {
		fmt.Fprintf(&b, "<p class=\"reshare\">Reposted by %s</p>\n", html.EscapeString(item.ReshareBy))
	}
	if item.Text != "" {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(p.link(item.Text), "\n", "<br>\n"))
		b.WriteString("</p>")
	}
	return parser.HTML(b.String()), nil
}

func (p Parser) link(text string) string {
	var (
		b    strings.Builder
		last int
	)
	for _, loc := range token.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		if strings.HasPrefix(tok, "http") {
			// Trailing punctuation belongs to the sentence
			tok = strings.TrimRight(tok, ".,;:!?)")
		}
		b.WriteString(html.EscapeString(text[last:loc[0]]))
		b.WriteString(p.anchor(tok))
		last = loc[0] + len(tok)
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}

func (p Parser) anchor(tok string) string {
	var href string
	switch tok[0] {
	case '@':
		if !p.social {
			return html.EscapeString(tok)
		}
		href = "https://bsky.app/profile/" + tok[1:]
	case '#':
		if !p.social {
			return html.EscapeString(tok)
		}
		href = "https://bsky.app/hashtag/" + url.PathEscape(tok[1:])
	default:
		href = tok
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(tok))
}
