package types

import (
	"context"
	"strings"
	"time"
)

// FeedItem represents a single post delivered by a page fetch.
// Media fields are optional: a partially populated item is expected, not an error.
type FeedItem struct {
	ID           string // Unique identifier (AT-URI for Bluesky, message link for Telegram, GUID for RSS)
	CID          string
	AuthorID     string
	AuthorHandle string
	AuthorName   string
	AuthorAvatar string
	Text         string
	Link         string
	IndexedAt    time.Time

	IsReshare bool
	ReshareBy string // Handle of the account that reshared the item

	Replies int64
	Reposts int64
	Likes   int64
	LikeURI string // Viewer's like record, empty if not liked

	Images   []Image
	External *External
	Video    *Video
}

// Image is a reference to one image of an image set.
type Image struct {
	URL   string // Full size URL when the upstream provides one
	Thumb string
	CID   string // Blob CID, resolvable through the owner's repository
	DID   string // Repository owning the blob
	Alt   string
	Ref   string // Provider specific handle (e.g. tg-photo:...)
}

// External is a link card embed.
type External struct {
	URI         string
	Title       string
	Description string
	Thumb       string
}

// Video is a video embed; only its thumbnail is of interest.
type Video struct {
	Thumbnail string
	Alt       string
}

// RecordKey returns the last path segment of the item ID.
func (i FeedItem) RecordKey() string {
	id := strings.TrimSuffix(i.ID, "/")
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// Page is the result of one upstream fetch call.
type Page struct {
	Items    []FeedItem
	Cursor   string // Empty when the feed has no continuation
	Degraded bool   // Served in place of the requested listing, not to be cached
}

// PageRequest describes one upstream page fetch.
type PageRequest struct {
	Limit     int
	Cursor    string
	Algorithm string
}

// Source is a cursor-paginated upstream feed.
// An empty Page (no items, no cursor) signals legitimate exhaustion.
type Source interface {
	Fetch(ctx context.Context, req PageRequest) (Page, error)
	Name() string
}
