package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/fetcher/types"
)

// AdapterConfig tunes the adapter's self-protection
type AdapterConfig struct {
	ErrorThreshold int           // Consecutive failures before pacing kicks in
	MaxAttempts    int           // Upstream attempts per Fetch
	InitialBackoff time.Duration // First pacing delay once the threshold is reached
	MaxBackoff     time.Duration // Cap for the pacing delay
}

func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ErrorThreshold: 3,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Stats is the adapter's usage accounting
type Stats struct {
	UpstreamCalls     int64     `json:"upstream_calls"`
	CacheHits         int64     `json:"cache_hits"`
	CacheMisses       int64     `json:"cache_misses"`
	Errors            int64     `json:"errors"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastCall          time.Time `json:"last_call"`
	Since             time.Time `json:"since"`
}

// Adapter wraps a Source with the page cache, usage accounting and a
// consecutive-error backoff. It is shared by concurrent invocations.
type Adapter struct {
	source types.Source
	cache  *cache.Cache
	cfg    AdapterConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	stats       Stats
	consecutive int
	backoff     *backoff.ExponentialBackOff
	fetched     map[string]time.Time // Cache keys this adapter fetched, by fetch time
}

func NewAdapter(source types.Source, pageCache *cache.Cache, cfg AdapterConfig) *Adapter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ErrorThreshold < 1 {
		cfg.ErrorThreshold = 1
	}

	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return &Adapter{
		source:  source,
		cache:   pageCache,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
		backoff: b,
		fetched: make(map[string]time.Time),
		stats:   Stats{Since: time.Now()},
	}
}

func (a *Adapter) SourceName() string {
	return a.source.Name()
}

// Fetch returns one page. With fresh set, a cursor this adapter never fetched
// has its cache entry evicted first so a continuation never replays a stale page.
func (a *Adapter) Fetch(ctx context.Context, req types.PageRequest, fresh bool) (types.Page, error) {
	key := cache.Key(req.Limit, req.Cursor, req.Algorithm)

	if fresh && req.Cursor != "" && !a.wasFetched(key) {
		if a.cache.Evict(req.Limit, req.Cursor, req.Algorithm) {
			slog.Debug("evicted unseen continuation page", "source", a.source.Name())
		}
	}

	if page, ok := a.cache.Get(req.Limit, req.Cursor, req.Algorithm); ok {
		a.mu.Lock()
		a.stats.CacheHits++
		a.mu.Unlock()
		return page, nil
	}

	a.mu.Lock()
	a.stats.CacheMisses++
	a.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if err := a.pace(ctx); err != nil {
			return types.Page{}, err
		}

		page, err := a.source.Fetch(ctx, req)
		a.recordCall(err)
		if err == nil {
			if !page.Degraded {
				a.cache.Put(req.Limit, req.Cursor, req.Algorithm, page)
				a.markFetched(key)
			}
			return page, nil
		}
		if ctx.Err() != nil {
			return types.Page{}, ctx.Err()
		}

		lastErr = err
		slog.Warn("upstream fetch failed", "source", a.source.Name(), "attempt", attempt, "max_attempts", a.cfg.MaxAttempts, "error", err)
	}

	return types.Page{}, &UpstreamError{
		Op:       a.source.Name(),
		Cursor:   req.Cursor,
		Attempts: a.cfg.MaxAttempts,
		Err:      lastErr,
	}
}

// Stats returns a snapshot of the usage counters
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.ConsecutiveErrors = a.consecutive
	return s
}

// ResetStats zeroes the usage counters, keeping the error streak
func (a *Adapter) ResetStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = Stats{Since: a.now()}
}

// pace waits out the backoff delay while the error streak is at or above the threshold
func (a *Adapter) pace(ctx context.Context) error {
	a.mu.Lock()
	var delay time.Duration
	if a.consecutive >= a.cfg.ErrorThreshold {
		delay = a.backoff.NextBackOff()
	}
	a.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	slog.Info("backing off before upstream call", "source", a.source.Name(), "delay", delay)
	return a.sleep(ctx, delay)
}

func (a *Adapter) recordCall(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.UpstreamCalls++
	a.stats.LastCall = a.now()
	if err != nil {
		a.stats.Errors++
		a.consecutive++
		return
	}
	a.consecutive = 0
	a.backoff.Reset()
}

func (a *Adapter) wasFetched(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.fetched[key]
	return ok
}

// maxTracked is the size past which markFetched sweeps forgotten cursors
const maxTracked = 1024

func (a *Adapter) markFetched(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.fetched[key] = now
	if len(a.fetched) > maxTracked {
		a.forgetLocked(now)
	}
}

// forgetLocked drops cursors fetched longer ago than the cache keeps their
// pages. A forgotten cursor is treated as unseen, and its page is gone anyway.
func (a *Adapter) forgetLocked(now time.Time) int {
	ttl := a.cache.TTL()
	removed := 0
	for key, at := range a.fetched {
		if now.Sub(at) >= ttl {
			delete(a.fetched, key)
			removed++
		}
	}
	return removed
}

// Purge drops expired pages from the cache and forgets their cursors.
// It returns the number of dropped pages.
func (a *Adapter) Purge() int {
	n := a.cache.Purge()
	a.mu.Lock()
	defer a.mu.Unlock()
	if forgot := a.forgetLocked(a.now()); forgot > 0 {
		slog.Debug("forgot expired cursors", "source", a.source.Name(), "count", forgot)
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
