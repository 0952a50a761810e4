package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scipunch/skyfeed/fetcher/types"
)

// DefaultTTL is how long a fetched page stays fresh
const DefaultTTL = 5 * time.Minute

// Cache memoizes raw feed pages by (limit, cursor, algorithm) for a bounded TTL.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	page     types.Page
	storedAt time.Time
}

// CacheStats contains cache statistics
type CacheStats struct {
	Entries     int
	OldestEntry time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty page cache. A non-positive ttl falls back to DefaultTTL.
func NewCache(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the exact-match composite key. No normalization is applied.
func Key(limit int, cursor, algorithm string) string {
	return fmt.Sprintf("%d|%q|%q", limit, cursor, algorithm)
}

// Get returns a cached page. An expired entry is evicted and reported as a miss.
func (c *Cache) Get(limit int, cursor, algorithm string) (types.Page, bool) {
	key := Key(limit, cursor, algorithm)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return types.Page{}, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		slog.Debug("page cache entry expired", "cursor", truncate(cursor, 24), "age", c.now().Sub(e.storedAt))
		return types.Page{}, false
	}
	return e.page, true
}

// Put stores a page and purges every expired entry
func (c *Cache) Put(limit int, cursor, algorithm string, page types.Page) {
	key := Key(limit, cursor, algorithm)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()
	c.entries[key] = entry{page: page, storedAt: c.now()}
}

// Evict removes the entry for the given key, if any
func (c *Cache) Evict(limit int, cursor, algorithm string) bool {
	key := Key(limit, cursor, algorithm)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Purge removes all expired entries and returns how many were dropped
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

// Clear removes all cache entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// TTL reports how long a stored page stays fresh
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Len returns the number of stored entries, expired ones included
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Entries: len(c.entries)}
	for _, e := range c.entries {
		if stats.OldestEntry.IsZero() || e.storedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.storedAt
		}
	}
	return stats
}

func (c *Cache) purgeLocked() int {
	removed := 0
	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) expired(e entry) bool {
	return c.now().Sub(e.storedAt) >= c.ttl
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
