// Package server exposes the aggregation engine as a JSON and SSE dashboard API
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scipunch/skyfeed/agent"
	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/media"
	"github.com/scipunch/skyfeed/session"
)

//go:embed static/index.html
var static embed.FS

const Version = "1.0.0"

// Liker likes and unlikes posts on behalf of the logged in account
type Liker interface {
	Like(ctx context.Context, postURI, postCID string) (string, error)
	Unlike(ctx context.Context, likeURI string) error
}

// Deps are the long-lived components the API serves from
type Deps struct {
	Engine      *aggregator.Engine
	Pages       *cache.Cache
	Downloader  *media.Downloader
	Sessions    *session.Store
	Limits      config.Limits
	Source      config.SourceType
	Handle      string
	Liker       Liker       // Nil when the source has no like support
	Agent       agent.Agent // Nil when no reply agent is configured
	PersonaPath string
	Persona     config.Persona
	RateLimits  map[string]int // Requests per minute per client, by route name
}

type Server struct {
	deps    Deps
	handler http.Handler
	started time.Time
	now     func() time.Time

	mu      sync.RWMutex
	persona config.Persona
}

func New(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		now:     time.Now,
		persona: deps.Persona,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/posts", s.limited("posts", s.handlePosts))
	mux.HandleFunc("GET /api/posts/stream", s.limited("posts_stream", s.handlePostsStream))
	mux.HandleFunc("GET /api/image/{filename}", s.limited("image", s.handleImage))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/user", s.handleUser)
	mux.HandleFunc("GET /api/usage-stats", s.handleUsageStats)
	mux.HandleFunc("POST /api/reset-stats", s.limited("reset_stats", s.handleResetStats))
	mux.HandleFunc("GET /api/ai-config", s.handleGetPersona)
	mux.HandleFunc("POST /api/ai-config", s.limited("ai_config", s.handleUpdatePersona))
	mux.HandleFunc("POST /api/ai-config/reset", s.limited("ai_config_reset", s.handleResetPersona))
	mux.HandleFunc("POST /api/like", s.limited("like", s.handleLike))
	mux.HandleFunc("POST /api/unlike", s.limited("unlike", s.handleUnlike))
	mux.HandleFunc("POST /api/ai-reply", s.limited("ai_reply", s.handleAIReply))

	s.handler = withRequestID(mux)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s with %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	slog.Info("server listening", "address", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type ctxKey struct{}

// logger returns the request scoped logger carrying the request id
func logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		l := slog.Default().With("request_id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))
		l.Debug("handled request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger(r.Context()).Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, map[string]any{"success": false, "error": message})
}

func decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
