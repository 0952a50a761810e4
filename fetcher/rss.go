package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/scipunch/skyfeed/fetcher/types"
)

// RSSSource reads an RSS or Atom feed using gofeed.
// Feeds have no continuation, so every fetch returns a single terminal page.
type RSSSource struct {
	url    string
	parser *gofeed.Parser
}

// NewRSSSource creates a new RSS source
func NewRSSSource(url string) *RSSSource {
	return &RSSSource{
		url:    url,
		parser: gofeed.NewParser(),
	}
}

func (s *RSSSource) Name() string {
	return "rss"
}

// Fetch retrieves and parses the feed. A non-empty cursor means the single page was already served.
func (s *RSSSource) Fetch(ctx context.Context, req types.PageRequest) (types.Page, error) {
	if req.Cursor != "" {
		return types.Page{}, nil
	}

	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return types.Page{}, fmt.Errorf("failed to parse RSS feed with %w", err)
	}
	return convertFeed(feed, req.Limit), nil
}

func convertFeed(feed *gofeed.Feed, limit int) types.Page {
	items := feed.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	page := types.Page{Items: make([]types.FeedItem, 0, len(items))}
	for _, item := range items {
		feedItem := types.FeedItem{
			ID:   item.GUID,
			Text: item.Title,
			Link: item.Link,
		}
		if feedItem.ID == "" {
			feedItem.ID = item.Link
		}
		if feedItem.ID == "" {
			continue
		}
		if item.Description != "" {
			feedItem.Text = strings.TrimSpace(item.Title + "\n\n" + item.Description)
		}

		// Author quota falls back to the feed itself when items are unsigned
		switch {
		case item.Author != nil && item.Author.Name != "":
			feedItem.AuthorID = item.Author.Name
			feedItem.AuthorName = item.Author.Name
		case len(item.Authors) > 0 && item.Authors[0] != nil:
			feedItem.AuthorID = item.Authors[0].Name
			feedItem.AuthorName = item.Authors[0].Name
		default:
			feedItem.AuthorID = feed.Title
		}
		feedItem.AuthorHandle = feed.Title

		if item.PublishedParsed != nil {
			feedItem.IndexedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			feedItem.IndexedAt = *item.UpdatedParsed
		}

		if item.Image != nil && item.Image.URL != "" {
			feedItem.Images = append(feedItem.Images, types.Image{URL: item.Image.URL, Alt: item.Image.Title})
		}
		for _, enc := range item.Enclosures {
			if enc == nil || enc.URL == "" || !strings.HasPrefix(enc.Type, "image/") {
				continue
			}
			if item.Image != nil && item.Image.URL == enc.URL {
				continue
			}
			feedItem.Images = append(feedItem.Images, types.Image{URL: enc.URL})
		}

		page.Items = append(page.Items, feedItem)
	}
	return page
}
