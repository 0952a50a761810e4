// Package aggregator collects media posts from a cursor-paginated feed until a
// target count, the upstream end, or the fetch budget is reached.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/filter"
)

// StopReason tells the caller why an invocation ended
type StopReason string

const (
	StopTargetReached        StopReason = "target-reached"
	StopUpstreamExhausted    StopReason = "upstream-exhausted"
	StopFetchBudgetExhausted StopReason = "fetch-budget-exhausted"
	StopCancelled            StopReason = "cancelled"
)

// SkipReason tells why a candidate item was not accepted
type SkipReason string

const (
	SkipDuplicate   SkipReason = "duplicate"
	SkipAuthorQuota SkipReason = "author-quota"
	SkipNoMedia     SkipReason = "no-media"
	SkipFiltered    SkipReason = "filtered"
)

// PostFilter is an optional extra predicate run after the media check
type PostFilter func(item *types.FeedItem) (bool, string)

// Request is one aggregation invocation
type Request struct {
	TargetCount       int
	MaxFetches        int
	MaxPostsPerAuthor int
	StartCursor       string
	SeenIDs           []string // Ids already returned in this pagination session
}

// Result is the accumulated state handed back to the caller
type Result struct {
	Items        []types.FeedItem   `json:"items"`
	Cursor       string             `json:"cursor"`
	SeenIDs      []string           `json:"seen_ids"`
	TotalScanned int                `json:"total_scanned"`
	FetchCount   int                `json:"fetch_count"`
	StopReason   StopReason         `json:"stop_reason"`
	Distribution map[string]int     `json:"distribution"`
	Skipped      map[SkipReason]int `json:"skipped"`
	Err          string             `json:"error,omitempty"`
}

// Config holds the engine's per-process settings
type Config struct {
	PageLimit   int
	Algorithm   string
	PacingDelay time.Duration
	PostFilter  PostFilter
}

// Engine runs aggregation invocations against one shared adapter
type Engine struct {
	adapter *Adapter
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewEngine(adapter *Adapter, cfg Config) *Engine {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 25
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "home"
	}
	return &Engine{adapter: adapter, cfg: cfg, sleep: sleepCtx}
}

// Adapter exposes the shared adapter for usage reporting
func (e *Engine) Adapter() *Adapter {
	return e.adapter
}

// Aggregate runs one invocation and returns the accumulated result.
// Upstream failures end the run with a partial result, never an error.
func (e *Engine) Aggregate(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, req, logObserver{source: e.adapter.SourceName()})
}

// Stream runs one invocation, pushing progress events to emit.
// A non-nil error from emit stops the run immediately.
func (e *Engine) Stream(ctx context.Context, req Request, emit func(Event) error) (Result, error) {
	return e.run(ctx, req, &emitter{ctx: ctx, emit: emit, target: req.TargetCount, maxFetches: req.MaxFetches})
}

func (req Request) validate() error {
	if req.TargetCount < 1 {
		return fmt.Errorf("%w: target count must be positive, got %d", ErrInvalidRequest, req.TargetCount)
	}
	if req.MaxFetches < 1 {
		return fmt.Errorf("%w: max fetches must be positive, got %d", ErrInvalidRequest, req.MaxFetches)
	}
	if req.MaxPostsPerAuthor < 1 {
		return fmt.Errorf("%w: max posts per author must be positive, got %d", ErrInvalidRequest, req.MaxPostsPerAuthor)
	}
	return nil
}

// run is the single aggregation state machine shared by every entry point
func (e *Engine) run(ctx context.Context, req Request, obs Observer) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	var (
		seen   = NewSeenSet(req.SeenIDs)
		quota  = NewQuota(req.MaxPostsPerAuthor)
		cursor = req.StartCursor
		res    = Result{Items: make([]types.FeedItem, 0, req.TargetCount), Skipped: make(map[SkipReason]int)}
	)

	finish := func(reason StopReason) Result {
		res.Cursor = cursor
		res.SeenIDs = seen.IDs()
		res.Distribution = quota.Distribution()
		res.StopReason = reason
		return res
	}

	if err := obs.Start(req); err != nil {
		return finish(StopCancelled), fmt.Errorf("progress consumer stopped with %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StopCancelled), err
		}

		page, err := e.adapter.Fetch(ctx, types.PageRequest{
			Limit:     e.cfg.PageLimit,
			Cursor:    cursor,
			Algorithm: e.cfg.Algorithm,
		}, cursor != "")
		res.FetchCount++

		if err != nil {
			if ctx.Err() != nil {
				return finish(StopCancelled), ctx.Err()
			}
			res.Err = err.Error()
			slog.Warn("stopping aggregation on upstream failure", "fetch_count", res.FetchCount, "error", err)
			return e.complete(obs, finish(StopUpstreamExhausted))
		}
		if len(page.Items) == 0 {
			return e.complete(obs, finish(StopUpstreamExhausted))
		}

		for i := range page.Items {
			item := &page.Items[i]
			res.TotalScanned++

			reason, accepted := e.classify(item, seen, quota)
			if !accepted {
				res.Skipped[reason]++
				if err := obs.Skip(item, reason, progressOf(&res)); err != nil {
					return finish(StopCancelled), fmt.Errorf("progress consumer stopped with %w", err)
				}
				continue
			}

			res.Items = append(res.Items, *item)
			quota.Record(item.AuthorID)
			seen.Add(item.ID)
			if err := obs.Accept(item, progressOf(&res)); err != nil {
				return finish(StopCancelled), fmt.Errorf("progress consumer stopped with %w", err)
			}
			if len(res.Items) >= req.TargetCount {
				break
			}
		}

		cursor = page.Cursor
		if err := obs.PageDone(progressOf(&res)); err != nil {
			return finish(StopCancelled), fmt.Errorf("progress consumer stopped with %w", err)
		}

		switch {
		case len(res.Items) >= req.TargetCount:
			return e.complete(obs, finish(StopTargetReached))
		case page.Cursor == "":
			return e.complete(obs, finish(StopUpstreamExhausted))
		case res.FetchCount >= req.MaxFetches:
			return e.complete(obs, finish(StopFetchBudgetExhausted))
		}

		if err := e.sleep(ctx, e.cfg.PacingDelay); err != nil {
			return finish(StopCancelled), err
		}
	}
}

func (e *Engine) classify(item *types.FeedItem, seen *SeenSet, quota *Quota) (SkipReason, bool) {
	switch {
	case seen.Contains(item.ID):
		return SkipDuplicate, false
	case !quota.Accepts(item.AuthorID):
		return SkipAuthorQuota, false
	case !filter.HasMedia(item):
		return SkipNoMedia, false
	}
	if e.cfg.PostFilter != nil {
		if ok, _ := e.cfg.PostFilter(item); !ok {
			return SkipFiltered, false
		}
	}
	return "", true
}

func (e *Engine) complete(obs Observer, res Result) (Result, error) {
	if err := obs.Complete(res); err != nil {
		return res, fmt.Errorf("progress consumer stopped with %w", err)
	}
	return res, nil
}

func progressOf(res *Result) Progress {
	return Progress{
		Found:   len(res.Items),
		Scanned: res.TotalScanned,
		Batch:   res.FetchCount,
	}
}
