// Package session persists pagination state (cursor and returned ids) between requests
package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// FingerprintWindow groups anonymous requests from one address into a session
const FingerprintWindow = 30 * time.Minute

// Session is the carry-over state of one pagination session
type Session struct {
	ID        string
	Cursor    string
	SeenIDs   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Stats struct {
	Sessions     int       `json:"sessions"`
	OldestUpdate time.Time `json:"oldest_update"`
}

// Store keeps sessions in SQLite. Sessions idle longer than the TTL are treated as absent.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open initializes the session database at the given path
func Open(dbPath string, ttl time.Duration) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory with %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database with %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure session database with %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema with %w", err)
	}

	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Get loads a live session. Returns: (session, found, error)
func (s *Store) Get(ctx context.Context, id string) (Session, bool, error) {
	var (
		sess      = Session{ID: id}
		seen      string
		created   int64
		updated   int64
		threshold = s.expiry()
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT cursor, seen_ids, created_at, updated_at FROM sessions WHERE id = ? AND updated_at > ?",
		id, threshold,
	).Scan(&sess.Cursor, &seen, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read session %s with %w", id, err)
	}

	if err := json.Unmarshal([]byte(seen), &sess.SeenIDs); err != nil {
		return Session{}, false, fmt.Errorf("failed to decode seen ids of session %s with %w", id, err)
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	return sess, true, nil
}

// Save stores the session, replacing any previous state for its id
func (s *Store) Save(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session id is empty")
	}
	seen := sess.SeenIDs
	if seen == nil {
		seen = []string{}
	}
	data, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("failed to encode seen ids with %w", err)
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, cursor, seen_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cursor = excluded.cursor,
			seen_ids = excluded.seen_ids,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Cursor, string(data), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session %s with %w", sess.ID, err)
	}
	return nil
}

// Delete drops one session so the next request starts from the feed head
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session %s with %w", id, err)
	}
	return nil
}

// Prune removes expired sessions and reports how many were dropped
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at <= ?", s.expiry())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions with %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all sessions
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions with %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(updated_at) FROM sessions").Scan(&stats.Sessions, &oldest)
	if err != nil {
		return stats, fmt.Errorf("failed to read session stats with %w", err)
	}
	if oldest.Valid && oldest.Int64 > 0 {
		stats.OldestUpdate = time.Unix(oldest.Int64, 0)
	}
	return stats, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) expiry() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(-s.ttl).Unix()
}

// Fingerprint derives a session id for callers that did not supply one.
// Requests from the same address within one window share the id.
func Fingerprint(ip string, now time.Time) string {
	window := now.Unix() / int64(FingerprintWindow/time.Second)
	sum := sha256.Sum256([]byte(ip + strconv.FormatInt(window, 10)))
	return hex.EncodeToString(sum[:])[:16]
}

// DefaultPath returns the default session database path
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "sessions.db"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "skyfeed", "sessions.db")
}
