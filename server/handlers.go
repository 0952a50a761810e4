package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/scipunch/skyfeed/agent"
	"github.com/scipunch/skyfeed/config"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"service":   "skyfeed",
	})
}

// validFilename rejects anything that could leave the media directory
func validFilename(name string) bool {
	return name != "" && !strings.Contains(name, "..") && !strings.ContainsAny(name, `/\`)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if !validFilename(name) {
		writeError(w, r, http.StatusBadRequest, "invalid filename")
		return
	}
	path := filepath.Join(s.deps.Downloader.Dir(), name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, r, http.StatusNotFound, "image not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.deps.Sessions.Stats(ctx)
	if err != nil {
		logger(ctx).Warn("failed to read session stats", "error", err)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":         true,
		"status":          "running",
		"version":         Version,
		"source":          s.deps.Source,
		"handle":          s.deps.Handle,
		"uptime":          humanize.RelTime(s.started, s.now(), "", ""),
		"started_at":      s.started.UTC().Format(time.RFC3339),
		"active_sessions": sessions.Sessions,
		"limits":          s.deps.Limits,
		"ai_enabled":      s.deps.Agent != nil,
		"like_enabled":    s.deps.Liker != nil,
	})
}

// accountInfo splits a handle like "jane_doe.bsky.social" into a display
// name and the domain it lives under
func accountInfo(handle string) (name, domain string) {
	label, rest, found := strings.Cut(strings.TrimPrefix(handle, "@"), ".")
	domain = "bsky.social"
	if found && rest != "" {
		domain = rest
	}
	name = cases.Title(language.English).String(strings.ReplaceAll(label, "_", " "))
	return name, domain
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Handle == "" {
		writeError(w, r, http.StatusNotFound, "no account is configured for this source")
		return
	}
	name, domain := accountInfo(s.deps.Handle)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"handle":       s.deps.Handle,
		"display_name": name,
		"domain":       domain,
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Engine.Adapter().Stats()
	pages := s.deps.Pages.Stats()

	total := stats.CacheHits + stats.CacheMisses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(stats.CacheHits) / float64(total) * 100
	}
	oldest := ""
	if !pages.OldestEntry.IsZero() {
		oldest = humanize.Time(pages.OldestEntry)
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":        true,
		"stats":          stats,
		"cache_entries":  pages.Entries,
		"oldest_entry":   oldest,
		"cache_hit_rate": hitRate,
	})
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Adapter().ResetStats()
	logger(r.Context()).Info("usage stats reset")
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "message": "stats reset"})
}

func (s *Server) currentPersona() config.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persona
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "config": s.currentPersona()})
}

// personaUpdate holds the fields a client may change; nil leaves a field alone
type personaUpdate struct {
	Persona       *string   `json:"persona"`
	ToneDo        *string   `json:"tone_do"`
	ToneDont      *string   `json:"tone_dont"`
	Location      *string   `json:"location"`
	SampleReplies *[]string `json:"sample_replies"`
}

func (u personaUpdate) empty() bool {
	return u.Persona == nil && u.ToneDo == nil && u.ToneDont == nil && u.Location == nil && u.SampleReplies == nil
}

func (u personaUpdate) apply(p config.Persona) config.Persona {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&p.Persona, u.Persona)
	set(&p.ToneDo, u.ToneDo)
	set(&p.ToneDont, u.ToneDont)
	set(&p.Location, u.Location)
	if u.SampleReplies != nil {
		p.SampleReplies = nil
		for _, reply := range *u.SampleReplies {
			if reply = strings.TrimSpace(reply); reply != "" {
				p.SampleReplies = append(p.SampleReplies, reply)
			}
		}
	}
	return p
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	var update personaUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if update.empty() {
		writeError(w, r, http.StatusBadRequest, "no persona fields to update")
		return
	}

	s.mu.Lock()
	next := update.apply(s.persona)
	if err := s.storePersona(next); err != nil {
		s.mu.Unlock()
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.persona = next
	s.mu.Unlock()

	logger(r.Context()).Info("persona updated")
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "config": next})
}

func (s *Server) handleResetPersona(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if err := s.storePersona(s.deps.Persona); err != nil {
		s.mu.Unlock()
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.persona = s.deps.Persona
	s.mu.Unlock()

	logger(r.Context()).Info("persona reset")
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "config": s.deps.Persona})
}

// storePersona persists p when a persona path is configured. Callers hold mu.
func (s *Server) storePersona(p config.Persona) error {
	if s.deps.PersonaPath == "" {
		return nil
	}
	return config.WritePersona(s.deps.PersonaPath, p)
}

type likeRequest struct {
	URI     string `json:"uri"`
	CID     string `json:"cid"`
	LikeURI string `json:"like_uri"`
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	if s.deps.Liker == nil {
		writeError(w, r, http.StatusNotImplemented, "likes are not supported by this source")
		return
	}
	var req likeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.URI == "" || req.CID == "" {
		writeError(w, r, http.StatusBadRequest, "uri and cid are required")
		return
	}

	likeURI, err := s.deps.Liker.Like(r.Context(), req.URI, req.CID)
	if err != nil {
		logger(r.Context()).Error("failed to like post", "uri", req.URI, "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "like_uri": likeURI})
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	if s.deps.Liker == nil {
		writeError(w, r, http.StatusNotImplemented, "likes are not supported by this source")
		return
	}
	var req likeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LikeURI == "" {
		writeError(w, r, http.StatusBadRequest, "like_uri is required")
		return
	}

	if err := s.deps.Liker.Unlike(r.Context(), req.LikeURI); err != nil {
		logger(r.Context()).Error("failed to unlike post", "like_uri", req.LikeURI, "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true})
}

type replyRequest struct {
	Text     string   `json:"text"`
	AltTexts []string `json:"alt_texts"`
	Images   []string `json:"images"` // Filenames served under /api/image
}

func (s *Server) handleAIReply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no reply agent configured")
		return
	}
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	post := agent.Post{Text: req.Text, AltTexts: req.AltTexts}
	for _, name := range req.Images {
		if !validFilename(name) {
			writeError(w, r, http.StatusBadRequest, "invalid image filename")
			return
		}
		post.Images = append(post.Images, filepath.Join(s.deps.Downloader.Dir(), name))
	}

	reply, err := s.deps.Agent.Reply(r.Context(), post, s.currentPersona())
	if errors.Is(err, agent.ErrNoImages) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger(r.Context()).Error("failed to generate reply", "agent", s.deps.Agent.Name(), "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "reply": reply, "agent": s.deps.Agent.Name()})
}
