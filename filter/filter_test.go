package filter

import (
	"testing"

	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/types"
)

func TestPipeline_Check(t *testing.T) {
	pipeline, err := NewPipeline(map[string]config.Filter{
		"length":     {MinLength: 10},
		"words":      {MinWords: 3},
		"no_ads":     {ExcludePatterns: []string{`(?i)\bsponsored\b`, `#ad\b`}},
		"paragraphs": {RequireParagraphs: true},
		"muted":      {ExcludeAuthors: []string{"@Spam.Test", "did:plc:bot"}},
		"described":  {RequireAltText: true},
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	tests := []struct {
		name    string
		item    types.FeedItem
		filters []string
		include bool
		reason  string
	}{
		{
			name:    "length counts runes",
			item:    types.FeedItem{Text: "ёжик в тумане"},
			filters: []string{"length"},
			include: true,
		},
		{
			name:    "too short",
			item:    types.FeedItem{Text: "  short  "},
			filters: []string{"length"},
			reason:  "length:min_length",
		},
		{
			name:    "words ignore punctuation",
			item:    types.FeedItem{Text: "one, two... three!"},
			filters: []string{"words"},
			include: true,
		},
		{
			name:    "not enough words",
			item:    types.FeedItem{Text: "🌅 sunset!!"},
			filters: []string{"words"},
			reason:  "words:min_words",
		},
		{
			name:    "pattern in text",
			item:    types.FeedItem{Text: "This post is SPONSORED by nobody"},
			filters: []string{"no_ads"},
			reason:  `no_ads:exclude_pattern[(?i)\bsponsored\b]`,
		},
		{
			name: "pattern in alt text",
			item: types.FeedItem{
				Text:   "look at this",
				Images: []types.Image{{URL: "https://cdn.test/1.jpg", Alt: "banner #ad"}},
			},
			filters: []string{"no_ads"},
			reason:  "no_ads:exclude_pattern[#ad\\b]",
		},
		{
			name:    "single paragraph",
			item:    types.FeedItem{Text: "one line\n\n   \n"},
			filters: []string{"paragraphs"},
			reason:  "paragraphs:require_paragraphs",
		},
		{
			name:    "two paragraphs",
			item:    types.FeedItem{Text: "first\n\nsecond"},
			filters: []string{"paragraphs"},
			include: true,
		},
		{
			name:    "muted handle",
			item:    types.FeedItem{AuthorHandle: "spam.test", AuthorID: "did:plc:x"},
			filters: []string{"muted"},
			reason:  "muted:exclude_author",
		},
		{
			name:    "muted did",
			item:    types.FeedItem{AuthorHandle: "bot.test", AuthorID: "did:plc:bot"},
			filters: []string{"muted"},
			reason:  "muted:exclude_author",
		},
		{
			name: "missing alt text",
			item: types.FeedItem{Images: []types.Image{
				{URL: "https://cdn.test/1.jpg", Alt: "a cat"},
				{URL: "https://cdn.test/2.jpg"},
			}},
			filters: []string{"described"},
			reason:  "described:require_alt_text",
		},
		{
			name:    "unusable image needs no alt",
			item:    types.FeedItem{Images: []types.Image{{Alt: ""}}},
			filters: []string{"described"},
			include: true,
		},
		{
			name:    "first failing filter wins",
			item:    types.FeedItem{Text: "tiny"},
			filters: []string{"words", "length"},
			reason:  "words:min_words",
		},
		{
			name:    "unknown filter is skipped",
			item:    types.FeedItem{Text: "x"},
			filters: []string{"missing"},
			include: true,
		},
		{
			name:    "no filters",
			item:    types.FeedItem{},
			include: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			include, reason := pipeline.Check(&tt.item, tt.filters)
			if include != tt.include {
				t.Errorf("Expected include=%v, got %v (reason %q)", tt.include, include, reason)
			}
			if reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, reason)
			}
		})
	}
}

func TestNewPipeline_InvalidPattern(t *testing.T) {
	_, err := NewPipeline(map[string]config.Filter{
		"broken": {ExcludePatterns: []string{"(unclosed"}},
	})
	if err == nil {
		t.Fatal("Expected invalid pattern to fail the pipeline")
	}
}
