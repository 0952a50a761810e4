package telegram

import (
	"strings"
	"testing"

	"github.com/scipunch/skyfeed/fetcher/types"
)

func TestRenderMarkup(t *testing.T) {
	tests := map[string]string{
		"":                                     "",
		"Channel update":                       "<p>Channel update</p>",
		"**Breaking:** new photos":             "<p><strong>Breaking:</strong> new photos</p>",
		"shot on __film__":                     "<p>shot on <em>film</em></p>",
		"run `make gallery`":                   "<p>run <code>make gallery</code></p>",
		"```ls -la```":                         "<p><pre><code>ls -la</code></pre></p>",
		"was ~~sold out~~ back":                "<p>was <del>sold out</del> back</p>",
		"[album](https://t.me/c/1)":            `<p><a href="https://t.me/c/1">album</a></p>`,
		"day 1\nday 2":                         "<p>day 1<br>\nday 2</p>",
		"<b>raw</b> & 'quoted'":                "<p>&lt;b&gt;raw&lt;/b&gt; &amp; &#39;quoted&#39;</p>",
		"**[bold link](https://example.com)**": `<p><strong><a href="https://example.com">bold link</a></strong></p>`,
	}
	for input, want := range tests {
		if got := renderMarkup(input); got != want {
			t.Errorf("renderMarkup(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseMessage_MatchesRenderedText(t *testing.T) {
	msg := "**Golden hour** over the __harbour__"
	if got, want := (Parser{}).ParseMessage(msg).String(), renderMarkup(msg); got != want {
		t.Errorf("ParseMessage = %q, want %q", got, want)
	}
}

func TestParse_ChannelPost(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		item    types.FeedItem
		want    []string
		notWant []string
	}{
		{
			name: "forwarded post with preview",
			item: types.FeedItem{
				Text:      "New set is up **today**",
				IsReshare: true,
				ReshareBy: "Street <Photo>",
				External: &types.External{
					URI:         "https://example.com/set?id=4&page=2",
					Title:       "Set 4",
					Description: "Twelve frames",
				},
			},
			want: []string{
				`<p class="reshare">Forwarded from Street &lt;Photo&gt;</p>`,
				"<strong>today</strong>",
				`<a href="https://example.com/set?id=4&amp;page=2">Set 4</a>`,
				"<p>Twelve frames</p>",
			},
		},
		{
			name:    "preview without title falls back to the link",
			item:    types.FeedItem{External: &types.External{URI: "https://t.me/s/chan"}},
			want:    []string{`<a href="https://t.me/s/chan">https://t.me/s/chan</a>`},
			notWant: []string{"reshare", "<p></p>"},
		},
		{
			name:    "reshare without origin has no header",
			item:    types.FeedItem{Text: "plain", IsReshare: true},
			want:    []string{"<p>plain</p>"},
			notWant: []string{"Forwarded from"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := p.Parse(tt.item)
			if err != nil {
				t.Fatal(err)
			}
			out := resp.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("unexpected %q in %s", w, out)
				}
			}
		})
	}
}
