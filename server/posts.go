package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/filter"
	"github.com/scipunch/skyfeed/media"
	"github.com/scipunch/skyfeed/session"
)

type imageView struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Alt      string `json:"alt"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

type externalView struct {
	URI         string     `json:"uri"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Thumb       *imageView `json:"thumb,omitempty"`
}

type postView struct {
	URI          string        `json:"uri"`
	CID          string        `json:"cid,omitempty"`
	AuthorDID    string        `json:"author_did"`
	Author       string        `json:"author"`
	AuthorName   string        `json:"author_name"`
	AuthorAvatar string        `json:"author_avatar,omitempty"`
	Text         string        `json:"text"`
	Link         string        `json:"link"`
	IndexedAt    time.Time     `json:"indexed_at"`
	IsRepost     bool          `json:"is_repost"`
	RepostBy     string        `json:"repost_by,omitempty"`
	Replies      int64         `json:"replies"`
	Reposts      int64         `json:"reposts"`
	Likes        int64         `json:"likes"`
	LikeURI      string        `json:"like_uri,omitempty"`
	Liked        bool          `json:"liked"`
	ImageCount   int           `json:"image_count"`
	Images       []imageView   `json:"images"`
	External     *externalView `json:"external,omitempty"`
	VideoThumb   *imageView    `json:"video_thumb,omitempty"`
}

type pagination struct {
	Cursor       string                        `json:"cursor"`
	TotalChecked int                           `json:"total_checked"`
	FetchCount   int                           `json:"fetch_count"`
	StopReason   aggregator.StopReason         `json:"stop_reason"`
	Distribution map[string]int                `json:"distribution"`
	Skipped      map[aggregator.SkipReason]int `json:"skipped"`
	Error        string                        `json:"error,omitempty"`
}

type postsResponse struct {
	Success     bool       `json:"success"`
	Posts       []postView `json:"posts"`
	Count       int        `json:"count"`
	MaxPerUser  int        `json:"max_per_user"`
	MaxFetches  int        `json:"max_fetches"`
	Source      string     `json:"source"`
	SessionID   string     `json:"session_id"`
	Pagination  pagination `json:"pagination"`
	IsFetchMore bool       `json:"is_fetch_more"`
}

type postsParams struct {
	count      int
	maxPerUser int
	maxFetches int
	fetchMore  bool
	sessionID  string
}

func (s *Server) parsePostsParams(r *http.Request) (postsParams, error) {
	q := r.URL.Query()
	var (
		p   postsParams
		err error
	)
	intParam := func(name string) int {
		v := q.Get(name)
		if v == "" || err != nil {
			return 0
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("%s must be an integer", name)
		}
		return n
	}
	p.count = intParam("count")
	p.maxPerUser = intParam("max_per_user")
	p.maxFetches = intParam("max_fetches")
	if err != nil {
		return p, err
	}

	p.count, p.maxPerUser, p.maxFetches, err = s.deps.Limits.Validate(p.count, p.maxPerUser, p.maxFetches)
	if err != nil {
		return p, err
	}

	p.fetchMore = strings.EqualFold(q.Get("fetch_more"), "true")
	p.sessionID = q.Get("session_id")
	if p.sessionID == "" {
		p.sessionID = session.Fingerprint(clientIP(r), s.now())
	}
	return p, nil
}

// request builds the aggregation request. A refresh drops the stored session,
// fetch-more resumes from its cursor and seen ids.
func (s *Server) request(ctx context.Context, p postsParams) (aggregator.Request, error) {
	req := aggregator.Request{
		TargetCount:       p.count,
		MaxFetches:        p.maxFetches,
		MaxPostsPerAuthor: p.maxPerUser,
	}
	if !p.fetchMore {
		return req, s.deps.Sessions.Delete(ctx, p.sessionID)
	}

	sess, found, err := s.deps.Sessions.Get(ctx, p.sessionID)
	if err != nil {
		return req, err
	}
	if found {
		req.StartCursor = sess.Cursor
		req.SeenIDs = sess.SeenIDs
	}
	return req, nil
}

func (s *Server) saveSession(ctx context.Context, id string, res aggregator.Result) {
	err := s.deps.Sessions.Save(ctx, session.Session{ID: id, Cursor: res.Cursor, SeenIDs: res.SeenIDs})
	if err != nil {
		logger(ctx).Warn("failed to save pagination session", "session_id", id, "error", err)
	}
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.parsePostsParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.request(ctx, p)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := s.deps.Engine.Aggregate(ctx, req)
	if errors.Is(err, aggregator.ErrInvalidRequest) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger(ctx).Info("aggregation interrupted", "error", err)
		return
	}
	s.saveSession(ctx, p.sessionID, res)

	logger(ctx).Info("served posts", "count", len(res.Items), "fetches", res.FetchCount, "stop_reason", res.StopReason, "fetch_more", p.fetchMore)
	writeJSON(w, r, http.StatusOK, s.postsResponse(ctx, p, res))
}

func (s *Server) postsResponse(ctx context.Context, p postsParams, res aggregator.Result) postsResponse {
	posts := s.views(ctx, res.Items)
	return postsResponse{
		Success:     true,
		Posts:       posts,
		Count:       len(posts),
		MaxPerUser:  p.maxPerUser,
		MaxFetches:  p.maxFetches,
		Source:      s.deps.Engine.Adapter().SourceName(),
		SessionID:   p.sessionID,
		IsFetchMore: p.fetchMore,
		Pagination: pagination{
			Cursor:       res.Cursor,
			TotalChecked: res.TotalScanned,
			FetchCount:   res.FetchCount,
			StopReason:   res.StopReason,
			Distribution: res.Distribution,
			Skipped:      res.Skipped,
			Error:        res.Err,
		},
	}
}

func (s *Server) handlePostsStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.parsePostsParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.request(ctx, p)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	res, err := s.deps.Engine.Stream(ctx, req, func(ev aggregator.Event) error {
		if ev.Type != aggregator.EventComplete || ev.Result == nil {
			return send(ev)
		}
		// The dashboard wants post views in place of raw items. Media is
		// downloaded once the run is over so progress stays responsive.
		return send(struct {
			aggregator.Event
			Result *postsResponse `json:"result"`
		}{ev, ptr(s.postsResponse(ctx, p, *ev.Result))})
	})
	if err != nil {
		if ctx.Err() == nil {
			logger(ctx).Warn("stream stopped", "error", err)
			_ = send(map[string]string{"type": "error", "error": err.Error()})
		}
		return
	}
	s.saveSession(ctx, p.sessionID, res)
}

func (s *Server) views(ctx context.Context, items []types.FeedItem) []postView {
	blobs := s.deps.Downloader.DownloadAll(ctx, items)
	views := make([]postView, 0, len(items))
	for i := range items {
		item := &items[i]
		views = append(views, s.view(item, blobs[item.ID]))
	}
	return views
}

func (s *Server) view(item *types.FeedItem, blobs []*media.Blob) postView {
	v := postView{
		URI:          item.ID,
		CID:          item.CID,
		AuthorDID:    item.AuthorID,
		Author:       item.AuthorHandle,
		AuthorName:   item.AuthorName,
		AuthorAvatar: item.AuthorAvatar,
		Text:         item.Text,
		Link:         item.Link,
		IndexedAt:    item.IndexedAt,
		IsRepost:     item.IsReshare,
		RepostBy:     item.ReshareBy,
		Replies:      item.Replies,
		Reposts:      item.Reposts,
		Likes:        item.Likes,
		LikeURI:      item.LikeURI,
		Liked:        item.LikeURI != "",
		ImageCount:   filter.ImageCount(item),
		Images:       []imageView{},
	}

	images, external, video := media.Split(item, blobs)
	for i, blob := range images {
		if blob != nil {
			v.Images = append(v.Images, imageOf(blob, item.Images[i].Alt))
		}
	}
	if item.External != nil {
		v.External = &externalView{
			URI:         item.External.URI,
			Title:       item.External.Title,
			Description: item.External.Description,
		}
		if external != nil {
			v.External.Thumb = ptr(imageOf(external, item.External.Title))
		}
	}
	if video != nil {
		v.VideoThumb = ptr(imageOf(video, item.Video.Alt))
	}
	return v
}

func imageOf(blob *media.Blob, alt string) imageView {
	return imageView{
		Filename: blob.Filename,
		URL:      "/api/image/" + blob.Filename,
		Alt:      alt,
		Width:    blob.Width,
		Height:   blob.Height,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ptr[T any](v T) *T {
	return &v
}
