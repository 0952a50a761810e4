package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/fetcher/types"
)

// fakeSource serves pages keyed by cursor and records every request
type fakeSource struct {
	mu       sync.Mutex
	pages    map[string]types.Page
	errs     []error // Consumed in order, one per call, before pages are served
	infinite func(cursor string) types.Page
	calls    []types.PageRequest
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, req types.PageRequest) (types.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return types.Page{}, err
		}
	}
	if f.infinite != nil {
		return f.infinite(req.Cursor), nil
	}
	return f.pages[req.Cursor], nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mediaItem(id, author string) types.FeedItem {
	return types.FeedItem{
		ID:           id,
		AuthorID:     author,
		AuthorHandle: author + ".test",
		Images:       []types.Image{{URL: "https://cdn.test/" + id + ".jpg"}},
	}
}

func textItem(id, author string) types.FeedItem {
	return types.FeedItem{ID: id, AuthorID: author, Text: "just words"}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine(src types.Source, cfg Config) *Engine {
	adapter := NewAdapter(src, cache.NewCache(time.Minute), AdapterConfig{ErrorThreshold: 3, MaxAttempts: 1})
	adapter.sleep = noSleep
	e := NewEngine(adapter, cfg)
	e.sleep = noSleep
	return e
}

// endlessTextPages never exhausts and never yields media
func endlessTextPages(cursor string) types.Page {
	n := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "c%d", &n)
	}
	return types.Page{
		Items:  []types.FeedItem{textItem(fmt.Sprintf("t%d", n), "bob")},
		Cursor: fmt.Sprintf("c%d", n+1),
	}
}
