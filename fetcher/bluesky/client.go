// Package bluesky provides a minimal XRPC client for the Bluesky feed and like APIs.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scipunch/skyfeed/fetcher/types"
)

const DefaultService = "https://bsky.social"

// ErrNotAuthenticated is returned by calls that need a session before Login succeeded
var ErrNotAuthenticated = errors.New("bluesky client is not authenticated")

// HTTPClient interface for making HTTP requests (allows injection for testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx XRPC response
type APIError struct {
	Status  int    `json:"-"`
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("xrpc status %d", e.Status)
	}
	return fmt.Sprintf("xrpc status %d: %s: %s", e.Status, e.Name, e.Message)
}

// Retryable reports whether the request may succeed when repeated
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Session is an authenticated account session
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL sets a custom service URL (useful for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithBackOff overrides the transport retry policy
func WithBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// Client talks to a Bluesky PDS over XRPC
type Client struct {
	baseURL    string
	httpClient HTTPClient
	newBackOff func() backoff.BackOff

	mu      sync.RWMutex
	session *Session
}

// NewClient creates a new unauthenticated client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultService,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		newBackOff: defaultBackOff,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// Login creates a session with an app password
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{"identifier": identifier, "password": password}

	var session Session
	if err := c.call(ctx, http.MethodPost, "com.atproto.server.createSession", nil, body, &session, false); err != nil {
		return fmt.Errorf("failed to create session for %s with %w", identifier, err)
	}

	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()

	slog.Info("bluesky session created", "handle", session.Handle, "did", session.DID)
	return nil
}

// Session returns the current session, if any
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// GetTimeline fetches one page of the home timeline
func (c *Client) GetTimeline(ctx context.Context, algorithm string, limit int, cursor string) (types.Page, error) {
	q := url.Values{}
	if algorithm != "" {
		q.Set("algorithm", algorithm)
	}
	return c.fetchFeed(ctx, "app.bsky.feed.getTimeline", q, limit, cursor)
}

// GetFeed fetches one page of a custom feed generator
func (c *Client) GetFeed(ctx context.Context, feedURI string, limit int, cursor string) (types.Page, error) {
	q := url.Values{}
	q.Set("feed", feedURI)
	return c.fetchFeed(ctx, "app.bsky.feed.getFeed", q, limit, cursor)
}

func (c *Client) fetchFeed(ctx context.Context, nsid string, q url.Values, limit int, cursor string) (types.Page, error) {
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp feedResponse
	if err := c.call(ctx, http.MethodGet, nsid, q, nil, &resp, true); err != nil {
		return types.Page{}, err
	}

	page := types.Page{
		Cursor: resp.Cursor,
		Items:  make([]types.FeedItem, 0, len(resp.Feed)),
	}
	for _, fvp := range resp.Feed {
		if fvp.Post.URI == "" {
			continue
		}
		page.Items = append(page.Items, fvp.toFeedItem())
	}
	return page, nil
}

// Like creates a like record for the post and returns its URI
func (c *Client) Like(ctx context.Context, postURI, postCID string) (string, error) {
	session, ok := c.Session()
	if !ok {
		return "", ErrNotAuthenticated
	}

	body := map[string]any{
		"repo":       session.DID,
		"collection": "app.bsky.feed.like",
		"record": map[string]any{
			"$type":     "app.bsky.feed.like",
			"subject":   map[string]string{"uri": postURI, "cid": postCID},
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	var resp struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := c.call(ctx, http.MethodPost, "com.atproto.repo.createRecord", nil, body, &resp, true); err != nil {
		return "", fmt.Errorf("failed to like %s with %w", postURI, err)
	}
	return resp.URI, nil
}

// Unlike deletes a like record by its URI
func (c *Client) Unlike(ctx context.Context, likeURI string) error {
	session, ok := c.Session()
	if !ok {
		return ErrNotAuthenticated
	}

	rkey := types.FeedItem{ID: likeURI}.RecordKey()
	if rkey == "" {
		return fmt.Errorf("invalid like uri %q", likeURI)
	}

	body := map[string]string{
		"repo":       session.DID,
		"collection": "app.bsky.feed.like",
		"rkey":       rkey,
	}
	if err := c.call(ctx, http.MethodPost, "com.atproto.repo.deleteRecord", nil, body, nil, true); err != nil {
		return fmt.Errorf("failed to unlike %s with %w", likeURI, err)
	}
	return nil
}

// BlobURL resolves a blob reference through the repository sync endpoint
func BlobURL(did, cid string) string {
	q := url.Values{}
	q.Set("did", did)
	q.Set("cid", cid)
	return DefaultService + "/xrpc/com.atproto.sync.getBlob?" + q.Encode()
}

func (c *Client) call(ctx context.Context, method, nsid string, q url.Values, in, out any, auth bool) error {
	err := c.callOnce(ctx, method, nsid, q, in, out, auth)

	var apiErr *APIError
	if auth && errors.As(err, &apiErr) && apiErr.Name == "ExpiredToken" {
		if refreshErr := c.refresh(ctx); refreshErr != nil {
			return fmt.Errorf("failed to refresh session with %w", refreshErr)
		}
		err = c.callOnce(ctx, method, nsid, q, in, out, auth)
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, method, nsid string, q url.Values, in, out any, auth bool) error {
	var token string
	if auth {
		session, ok := c.Session()
		if !ok {
			return ErrNotAuthenticated
		}
		token = session.AccessJwt
	}
	return c.do(ctx, method, nsid, q, in, out, token)
}

func (c *Client) refresh(ctx context.Context) error {
	session, ok := c.Session()
	if !ok {
		return ErrNotAuthenticated
	}

	var refreshed Session
	if err := c.do(ctx, http.MethodPost, "com.atproto.server.refreshSession", nil, nil, &refreshed, session.RefreshJwt); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = &refreshed
	c.mu.Unlock()
	slog.Debug("bluesky session refreshed", "handle", refreshed.Handle)
	return nil
}

func (c *Client) do(ctx context.Context, method, nsid string, q url.Values, in, out any, token string) error {
	endpoint := c.baseURL + "/xrpc/" + nsid
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request with %w", nsid, err)
		}
	}

	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request with %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read %s response with %w", nsid, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.Unmarshal(data, apiErr)
			if apiErr.Retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse %s response with %w", nsid, err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("xrpc call failed, retrying", "nsid", nsid, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
}
