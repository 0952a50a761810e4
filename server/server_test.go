package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scipunch/skyfeed/agent"
	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/media"
	"github.com/scipunch/skyfeed/session"
)

type pageSource struct {
	mu    sync.Mutex
	pages map[string]types.Page
	calls []string
}

func (p *pageSource) Name() string { return "fake" }

func (p *pageSource) Fetch(_ context.Context, req types.PageRequest) (types.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req.Cursor)
	return p.pages[req.Cursor], nil
}

type fakeLiker struct {
	liked   []string
	unliked []string
}

func (f *fakeLiker) Like(_ context.Context, uri, cid string) (string, error) {
	f.liked = append(f.liked, uri+"#"+cid)
	return "at://did:plc:me/app.bsky.feed.like/1", nil
}

func (f *fakeLiker) Unlike(_ context.Context, likeURI string) error {
	f.unliked = append(f.unliked, likeURI)
	return nil
}

type fakeAgent struct {
	post    agent.Post
	persona config.Persona
	err     error
}

func (f *fakeAgent) Name() string { return "fake" }

func (f *fakeAgent) Reply(_ context.Context, post agent.Post, persona config.Persona) (string, error) {
	f.post, f.persona = post, persona
	return "nice shot", f.err
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(id, author, imgURL string) types.FeedItem {
	return types.FeedItem{
		ID:           "at://did:plc:" + author + "/app.bsky.feed.post/" + id,
		CID:          "cid-" + id,
		AuthorID:     "did:plc:" + author,
		AuthorHandle: author + ".test",
		Text:         "post " + id,
		Images:       []types.Image{{URL: imgURL, Alt: "alt " + id}},
	}
}

func timeline(imgURL string) *pageSource {
	return &pageSource{pages: map[string]types.Page{
		"": {Items: []types.FeedItem{
			post("p1", "a", imgURL),
			post("p2", "a", imgURL),
			post("p3", "b", imgURL),
		}, Cursor: "c1"},
		"c1": {Items: []types.FeedItem{
			post("p4", "c", imgURL),
			post("p5", "d", imgURL),
		}},
	}}
}

func newTestServer(t *testing.T, src types.Source, mutate func(*Deps)) *Server {
	t.Helper()
	dir := t.TempDir()

	store, err := session.Open(filepath.Join(dir, "sessions.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	downloader, err := media.New(media.Config{Dir: filepath.Join(dir, "images"), MaxConcurrent: 2})
	require.NoError(t, err)

	pages := cache.NewCache(time.Minute)
	adapter := aggregator.NewAdapter(src, pages, aggregator.AdapterConfig{ErrorThreshold: 3, MaxAttempts: 1})
	deps := Deps{
		Engine:     aggregator.NewEngine(adapter, aggregator.Config{PageLimit: 10}),
		Pages:      pages,
		Downloader: downloader,
		Sessions:   store,
		Limits:     config.DefaultLimits(),
		Source:     config.Bluesky,
		Persona:    config.DefaultPersona(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func uris(posts []postView) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.URI
	}
	return out
}

func TestPosts_RefreshThenFetchMore(t *testing.T) {
	imgs := imageServer(t)
	src := timeline(imgs.URL + "/img.png")
	s := newTestServer(t, src, nil)

	rec := do(t, s, http.MethodGet, "/api/posts?count=2&max_per_user=1&session_id=abc", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[postsResponse](t, rec)

	assert.True(t, first.Success)
	assert.Equal(t, "abc", first.SessionID)
	assert.False(t, first.IsFetchMore)
	assert.Equal(t, []string{
		"at://did:plc:a/app.bsky.feed.post/p1",
		"at://did:plc:b/app.bsky.feed.post/p3",
	}, uris(first.Posts))
	assert.Equal(t, aggregator.StopTargetReached, first.Pagination.StopReason)
	assert.Equal(t, "c1", first.Pagination.Cursor)
	assert.Equal(t, 3, first.Pagination.TotalChecked)
	assert.Equal(t, 1, first.Pagination.Skipped[aggregator.SkipAuthorQuota])

	require.Len(t, first.Posts[0].Images, 1)
	img := first.Posts[0].Images[0]
	assert.Equal(t, "image_p1_0.jpg", img.Filename)
	assert.Equal(t, "/api/image/image_p1_0.jpg", img.URL)
	assert.Equal(t, "alt p1", img.Alt)
	assert.Equal(t, 2, img.Width)
	assert.Equal(t, "a.test", first.Posts[0].Author)

	rec = do(t, s, http.MethodGet, "/api/posts?count=2&max_per_user=1&session_id=abc&fetch_more=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	more := decode[postsResponse](t, rec)

	assert.True(t, more.IsFetchMore)
	assert.Equal(t, []string{
		"at://did:plc:c/app.bsky.feed.post/p4",
		"at://did:plc:d/app.bsky.feed.post/p5",
	}, uris(more.Posts))
	assert.Equal(t, "", more.Pagination.Cursor)
	assert.Equal(t, []string{"", "c1"}, src.calls)
}

func TestPosts_FetchMoreWithoutSessionStartsAtHead(t *testing.T) {
	imgs := imageServer(t)
	s := newTestServer(t, timeline(imgs.URL+"/img.png"), nil)

	rec := do(t, s, http.MethodGet, "/api/posts?count=1&fetch_more=true&session_id=unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[postsResponse](t, rec)
	assert.Equal(t, []string{"at://did:plc:a/app.bsky.feed.post/p1"}, uris(res.Posts))
}

func TestPosts_RefreshDropsSession(t *testing.T) {
	imgs := imageServer(t)
	s := newTestServer(t, timeline(imgs.URL+"/img.png"), nil)

	do(t, s, http.MethodGet, "/api/posts?count=2&session_id=abc", "")
	rec := do(t, s, http.MethodGet, "/api/posts?count=2&session_id=abc", "")
	res := decode[postsResponse](t, rec)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/p1", res.Posts[0].URI)
}

func TestPosts_DefaultSessionFromClient(t *testing.T) {
	imgs := imageServer(t)
	s := newTestServer(t, timeline(imgs.URL+"/img.png"), nil)

	rec := do(t, s, http.MethodGet, "/api/posts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[postsResponse](t, rec)
	assert.Len(t, res.SessionID, 16)
	// One post per author out of four authors before the feed runs dry
	assert.Equal(t, 4, res.Count)
	assert.Equal(t, aggregator.StopUpstreamExhausted, res.Pagination.StopReason)
}

func TestPosts_InvalidParams(t *testing.T) {
	s := newTestServer(t, &pageSource{}, nil)

	for _, target := range []string{
		"/api/posts?count=0x",
		"/api/posts?count=19",
		"/api/posts?max_per_user=11",
		"/api/posts?max_fetches=-1",
		"/api/posts/stream?count=100",
	} {
		t.Run(target, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[map[string]any](t, rec)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestPostsStream(t *testing.T) {
	imgs := imageServer(t)
	s := newTestServer(t, timeline(imgs.URL+"/img.png"), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/posts/stream?count=2&session_id=sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	type message struct {
		Type            string         `json:"type"`
		ProgressPercent int            `json:"progress_percent"`
		Result          *postsResponse `json:"result"`
	}
	var events []message
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var m message
		require.NoError(t, json.Unmarshal([]byte(data), &m))
		events = append(events, m)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)

	assert.Equal(t, "start", events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, "complete", last.Type)
	assert.Equal(t, 100, last.ProgressPercent)
	require.NotNil(t, last.Result)
	assert.Equal(t, 2, last.Result.Count)
	assert.Equal(t, "sse", last.Result.SessionID)
	assert.Equal(t, "image_p1_0.jpg", last.Result.Posts[0].Images[0].Filename)

	// The session is stored after the stream ends
	rec := do(t, s, http.MethodGet, "/api/posts?count=2&session_id=sse&fetch_more=true", "")
	more := decode[postsResponse](t, rec)
	assert.Equal(t, "at://did:plc:c/app.bsky.feed.post/p4", more.Posts[0].URI)
}

func TestImage(t *testing.T) {
	s := newTestServer(t, &pageSource{}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(s.deps.Downloader.Dir(), "image_x_0.jpg"), []byte("jpeg"), 0o644))

	rec := do(t, s, http.MethodGet, "/api/image/image_x_0.jpg", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/image/missing.jpg", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/image/a..b.jpg", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/image/a%5Cb.jpg", "").Code)
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, &pageSource{}, func(d *Deps) { d.Handle = "me.test" })

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "skyfeed", health["service"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	status := decode[map[string]any](t, do(t, s, http.MethodGet, "/api/status", ""))
	assert.Equal(t, "me.test", status["handle"])
	assert.Equal(t, Version, status["version"])
	assert.Equal(t, false, status["ai_enabled"])
}

func TestIndex(t *testing.T) {
	s := newTestServer(t, &pageSource{}, nil)
	rec := do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/posts/stream")
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/nope", "").Code)
}

func TestUsageStats(t *testing.T) {
	imgs := imageServer(t)
	s := newTestServer(t, timeline(imgs.URL+"/img.png"), nil)

	do(t, s, http.MethodGet, "/api/posts?count=1&session_id=a", "")
	do(t, s, http.MethodGet, "/api/posts?count=1&session_id=b", "")

	type usage struct {
		Stats        aggregator.Stats `json:"stats"`
		CacheEntries int              `json:"cache_entries"`
		HitRate      float64          `json:"cache_hit_rate"`
	}
	got := decode[usage](t, do(t, s, http.MethodGet, "/api/usage-stats", ""))
	assert.EqualValues(t, 1, got.Stats.UpstreamCalls)
	assert.EqualValues(t, 1, got.Stats.CacheHits)
	assert.Equal(t, 1, got.CacheEntries)
	assert.InDelta(t, 50.0, got.HitRate, 0.001)

	rec := do(t, s, http.MethodPost, "/api/reset-stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[usage](t, do(t, s, http.MethodGet, "/api/usage-stats", ""))
	assert.Zero(t, got.Stats.UpstreamCalls)
	assert.Zero(t, got.Stats.CacheHits)
}

func TestPersona(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.toml")
	s := newTestServer(t, &pageSource{}, func(d *Deps) { d.PersonaPath = path })

	type personaResponse struct {
		Success bool           `json:"success"`
		Config  config.Persona `json:"config"`
	}

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/ai-config", "{}").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/ai-config", "not json").Code)

	rec := do(t, s, http.MethodPost, "/api/ai-config", `{"location": " Berlin ", "sample_replies": ["one", " ", "two"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[personaResponse](t, rec)
	assert.Equal(t, "Berlin", updated.Config.Location)
	assert.Equal(t, []string{"one", "two"}, updated.Config.SampleReplies)
	assert.Equal(t, config.DefaultPersona().Persona, updated.Config.Persona)

	stored, err := config.ReadPersona(path, config.Persona{})
	require.NoError(t, err)
	assert.Equal(t, "Berlin", stored.Location)

	got := decode[personaResponse](t, do(t, s, http.MethodGet, "/api/ai-config", ""))
	assert.Equal(t, "Berlin", got.Config.Location)

	reset := decode[personaResponse](t, do(t, s, http.MethodPost, "/api/ai-config/reset", ""))
	assert.Equal(t, config.DefaultPersona(), reset.Config)
	assert.Equal(t, config.DefaultPersona(), s.currentPersona())
}

func TestLike(t *testing.T) {
	s := newTestServer(t, &pageSource{}, nil)
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodPost, "/api/like", `{"uri":"x","cid":"y"}`).Code)

	liker := &fakeLiker{}
	s = newTestServer(t, &pageSource{}, func(d *Deps) { d.Liker = liker })

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/like", `{"uri":"x"}`).Code)

	rec := do(t, s, http.MethodPost, "/api/like", `{"uri":"at://post","cid":"bafy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "at://did:plc:me/app.bsky.feed.like/1", decode[map[string]any](t, rec)["like_uri"])
	assert.Equal(t, []string{"at://post#bafy"}, liker.liked)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/unlike", `{}`).Code)
	rec = do(t, s, http.MethodPost, "/api/unlike", `{"like_uri":"at://like"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"at://like"}, liker.unliked)
}

func TestAIReply(t *testing.T) {
	s := newTestServer(t, &pageSource{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/api/ai-reply", `{"text":"hi"}`).Code)

	ag := &fakeAgent{}
	s = newTestServer(t, &pageSource{}, func(d *Deps) { d.Agent = ag })

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/ai-reply", `{"images":["../secret"]}`).Code)

	rec := do(t, s, http.MethodPost, "/api/ai-reply", `{"text":"sunset","alt_texts":["sky"],"images":["image_p1_0.jpg"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "nice shot", decode[map[string]any](t, rec)["reply"])
	assert.Equal(t, "sunset", ag.post.Text)
	assert.Equal(t, []string{filepath.Join(s.deps.Downloader.Dir(), "image_p1_0.jpg")}, ag.post.Images)
	assert.Equal(t, config.DefaultPersona(), ag.persona)

	ag.err = errors.Join(agent.ErrNoImages)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/ai-reply", `{"text":"x"}`).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
