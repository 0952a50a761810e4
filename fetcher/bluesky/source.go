package bluesky

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scipunch/skyfeed/fetcher/types"
)

// Cursor prefixes record which listing a cursor continues
const (
	feedCursor     = "feed:"
	timelineCursor = "tl:"
)

const (
	DefaultFallbackAfter = 3
	DefaultFeedCooldown  = 5 * time.Minute
)

// FeedClient is the subset of Client used by Source
type FeedClient interface {
	GetTimeline(ctx context.Context, algorithm string, limit int, cursor string) (types.Page, error)
	GetFeed(ctx context.Context, feedURI string, limit int, cursor string) (types.Page, error)
}

type SourceOption func(*Source)

// WithFallback sets how many consecutive custom feed failures switch the
// source to the home timeline, and how long the feed is left alone afterwards.
func WithFallback(after int, cooldown time.Duration) SourceOption {
	return func(s *Source) {
		if after > 0 {
			s.fallbackAfter = after
		}
		if cooldown > 0 {
			s.cooldown = cooldown
		}
	}
}

// Source pages through a custom feed and falls back to the home timeline
// while the feed keeps failing. Without a feed URI it reads the timeline only.
//
// Returned cursors are tagged with the listing they belong to, so a session
// started on one listing never sends its cursor to the other.
type Source struct {
	client        FeedClient
	feedURI       string
	fallbackAfter int
	cooldown      time.Duration
	now           func() time.Time

	mu        sync.Mutex
	failures  int
	downUntil time.Time
}

func NewSource(client FeedClient, feedURI string, opts ...SourceOption) *Source {
	s := &Source{
		client:        client,
		feedURI:       feedURI,
		fallbackAfter: DefaultFallbackAfter,
		cooldown:      DefaultFeedCooldown,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Name() string {
	if s.feedURI != "" && s.feedUp() {
		return "bluesky-feed"
	}
	return "bluesky-timeline"
}

func (s *Source) Fetch(ctx context.Context, req types.PageRequest) (types.Page, error) {
	origin, cursor := splitCursor(req.Cursor)

	if s.feedURI == "" {
		if origin == feedCursor {
			cursor = ""
		}
		return s.timeline(ctx, req, cursor)
	}
	if origin == timelineCursor {
		return s.timeline(ctx, req, cursor)
	}
	if !s.feedUp() {
		return s.fallback(ctx, req)
	}

	page, err := s.client.GetFeed(ctx, s.feedURI, req.Limit, cursor)
	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		page.Cursor = tag(feedCursor, page.Cursor)
		return page, nil
	}
	if ctx.Err() != nil {
		return types.Page{}, err
	}

	s.mu.Lock()
	s.failures++
	failures := s.failures
	if failures >= s.fallbackAfter {
		s.failures = 0
		s.downUntil = s.now().Add(s.cooldown)
	}
	s.mu.Unlock()

	if failures < s.fallbackAfter {
		return types.Page{}, err
	}
	slog.Warn("custom feed keeps failing, falling back to home timeline", "feed", s.feedURI, "failures", failures, "retry_in", s.cooldown, "error", err)
	return s.fallback(ctx, req)
}

// fallback serves the timeline head in place of a feed page. The page is
// marked degraded so it is not cached under the feed cursor.
func (s *Source) fallback(ctx context.Context, req types.PageRequest) (types.Page, error) {
	page, err := s.timeline(ctx, req, "")
	if err != nil {
		return page, err
	}
	page.Degraded = true
	return page, nil
}

func (s *Source) timeline(ctx context.Context, req types.PageRequest, cursor string) (types.Page, error) {
	page, err := s.client.GetTimeline(ctx, req.Algorithm, req.Limit, cursor)
	if err != nil {
		return page, err
	}
	page.Cursor = tag(timelineCursor, page.Cursor)
	return page, nil
}

func (s *Source) feedUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.downUntil)
}

// splitCursor returns the listing prefix and the raw upstream cursor.
// Untagged cursors have no prefix and are passed through as they are.
func splitCursor(c string) (string, string) {
	for _, prefix := range []string{feedCursor, timelineCursor} {
		if raw, ok := strings.CutPrefix(c, prefix); ok {
			return prefix, raw
		}
	}
	return "", c
}

func tag(prefix, cursor string) string {
	if cursor == "" {
		return ""
	}
	return prefix + cursor
}
