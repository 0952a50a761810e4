package aggregator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/fetcher/types"
)

var errTransient = errors.New("503 service unavailable")

func newTestAdapter(src types.Source, cfg AdapterConfig) (*Adapter, *[]time.Duration) {
	a := NewAdapter(src, cache.NewCache(time.Minute), cfg)
	var slept []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return a, &slept
}

func TestAdapter_RetriesThenSurfacesUpstreamError(t *testing.T) {
	src := &fakeSource{errs: []error{errTransient, errTransient, errTransient}}
	a, _ := newTestAdapter(src, AdapterConfig{ErrorThreshold: 10, MaxAttempts: 3})

	_, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25, Cursor: "c9", Algorithm: "home"}, true)
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 3, upstream.Attempts)
	assert.Equal(t, "c9", upstream.Cursor)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, src.callCount())

	stats := a.Stats()
	assert.Equal(t, int64(3), stats.UpstreamCalls)
	assert.Equal(t, int64(3), stats.Errors)
	assert.Equal(t, 3, stats.ConsecutiveErrors)
}

func TestAdapter_RecoversOnRetry(t *testing.T) {
	src := &fakeSource{
		errs:  []error{errTransient},
		pages: map[string]types.Page{"": {Items: []types.FeedItem{mediaItem("a", "alice")}}},
	}
	a, _ := newTestAdapter(src, AdapterConfig{ErrorThreshold: 3, MaxAttempts: 3})

	page, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25}, false)
	require.NoError(t, err)

	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, src.callCount())
	assert.Equal(t, 0, a.Stats().ConsecutiveErrors)
}

func TestAdapter_BacksOffAfterThreshold(t *testing.T) {
	src := &fakeSource{
		errs:  []error{errTransient, errTransient, errTransient},
		pages: map[string]types.Page{"": {Items: []types.FeedItem{mediaItem("a", "alice")}}},
	}
	a, slept := newTestAdapter(src, AdapterConfig{
		ErrorThreshold: 2,
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})

	_, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25}, false)
	require.NoError(t, err)

	// Attempts three and four follow a streak of two and three failures
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}

	// A success clears the streak so the next call goes out immediately
	_, err = a.Fetch(context.Background(), types.PageRequest{Limit: 10}, false)
	require.NoError(t, err)
	assert.Len(t, *slept, 2)
}

func TestAdapter_BackoffHonorsContext(t *testing.T) {
	src := &fakeSource{errs: []error{errTransient, errTransient}}
	a := NewAdapter(src, cache.NewCache(time.Minute), AdapterConfig{
		ErrorThreshold: 1,
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Fetch(ctx, types.PageRequest{Limit: 25}, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, src.callCount())
}

func TestAdapter_FreshCursorEviction(t *testing.T) {
	src := &fakeSource{pages: map[string]types.Page{
		"c1": {Items: []types.FeedItem{mediaItem("new", "alice")}, Cursor: "c2"},
	}}
	pageCache := cache.NewCache(time.Hour)
	pageCache.Put(25, "c1", "home", types.Page{Items: []types.FeedItem{mediaItem("old", "alice")}})
	a := NewAdapter(src, pageCache, DefaultAdapterConfig())
	req := types.PageRequest{Limit: 25, Cursor: "c1", Algorithm: "home"}

	page, err := a.Fetch(context.Background(), req, true)
	require.NoError(t, err)
	assert.Equal(t, "new", page.Items[0].ID)

	// Once fetched by this adapter the cached copy is trusted again
	page, err = a.Fetch(context.Background(), req, true)
	require.NoError(t, err)
	assert.Equal(t, "new", page.Items[0].ID)
	assert.Equal(t, 1, src.callCount())

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
}

func TestAdapter_NotFreshUsesCache(t *testing.T) {
	src := &fakeSource{}
	pageCache := cache.NewCache(time.Hour)
	pageCache.Put(25, "c1", "home", types.Page{Items: []types.FeedItem{mediaItem("cached", "alice")}})
	a := NewAdapter(src, pageCache, DefaultAdapterConfig())

	page, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25, Cursor: "c1", Algorithm: "home"}, false)
	require.NoError(t, err)

	assert.Equal(t, "cached", page.Items[0].ID)
	assert.Equal(t, 0, src.callCount())
}

func TestAdapter_DegradedPageNotCached(t *testing.T) {
	src := &fakeSource{pages: map[string]types.Page{
		"feed:c1": {Items: []types.FeedItem{mediaItem("head", "alice")}, Cursor: "tl:t1", Degraded: true},
	}}
	a, _ := newTestAdapter(src, DefaultAdapterConfig())
	req := types.PageRequest{Limit: 25, Cursor: "feed:c1", Algorithm: "home"}

	for range 2 {
		page, err := a.Fetch(context.Background(), req, true)
		require.NoError(t, err)
		assert.Equal(t, "head", page.Items[0].ID)
	}
	assert.Equal(t, 2, src.callCount())
	assert.Zero(t, a.cache.Len())
	assert.Empty(t, a.fetched)
}

func TestAdapter_PurgeForgetsExpiredCursors(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &fakeSource{pages: map[string]types.Page{
		"c1": {Items: []types.FeedItem{mediaItem("a", "alice")}, Cursor: "c2"},
	}}
	a := NewAdapter(src, cache.NewCache(time.Minute, cache.WithClock(clock)), DefaultAdapterConfig())
	a.now = clock

	_, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25, Cursor: "c1"}, true)
	require.NoError(t, err)
	require.Len(t, a.fetched, 1)

	now = now.Add(30 * time.Second)
	assert.Zero(t, a.Purge())
	assert.Len(t, a.fetched, 1)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, a.Purge())
	assert.Empty(t, a.fetched)
}

func TestAdapter_FetchedSetIsSwept(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAdapter(&fakeSource{}, cache.NewCache(time.Minute), DefaultAdapterConfig())
	a.now = func() time.Time { return now }

	for i := range maxTracked {
		a.markFetched(fmt.Sprintf("old-%d", i))
	}
	now = now.Add(2 * time.Minute)
	a.markFetched("fresh")

	assert.Len(t, a.fetched, 1)
	assert.Contains(t, a.fetched, "fresh")
}

func TestAdapter_ResetStats(t *testing.T) {
	src := &fakeSource{pages: map[string]types.Page{"": {}}}
	a := NewAdapter(src, cache.NewCache(time.Minute), DefaultAdapterConfig())
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	_, err := a.Fetch(context.Background(), types.PageRequest{Limit: 25}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Stats().UpstreamCalls)
	assert.Equal(t, fixed, a.Stats().LastCall)

	a.ResetStats()
	stats := a.Stats()
	assert.Zero(t, stats.UpstreamCalls)
	assert.Zero(t, stats.CacheMisses)
	assert.Equal(t, fixed, stats.Since)
}

func TestQuota(t *testing.T) {
	q := NewQuota(2)
	assert.True(t, q.Accepts("alice"))
	q.Record("alice")
	q.Record("alice")
	assert.False(t, q.Accepts("alice"))
	assert.True(t, q.Accepts("bob"))
	assert.Equal(t, 2, q.Count("alice"))

	dist := q.Distribution()
	dist["alice"] = 99
	assert.Equal(t, 2, q.Count("alice"))
}

func TestSeenSet(t *testing.T) {
	s := NewSeenSet([]string{"b", "", "a", "b"})
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains(""))

	s.Add("c")
	assert.Equal(t, []string{"a", "b", "c"}, s.IDs())
}
