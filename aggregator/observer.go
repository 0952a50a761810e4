package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scipunch/skyfeed/fetcher/types"
)

// Progress is the running tally passed to observers
type Progress struct {
	Found   int
	Scanned int
	Batch   int
}

// Observer receives the loop's transitions. A non-nil error stops the loop.
type Observer interface {
	Start(req Request) error
	Skip(item *types.FeedItem, reason SkipReason, p Progress) error
	Accept(item *types.FeedItem, p Progress) error
	PageDone(p Progress) error
	Complete(res Result) error
}

type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// Event is one progress message of a streamed invocation
type Event struct {
	Type            EventType  `json:"type"`
	Message         string     `json:"message"`
	PostsFound      int        `json:"posts_found"`
	PostsChecked    int        `json:"posts_checked"`
	CurrentBatch    int        `json:"current_batch"`
	ProgressPercent int        `json:"progress_percent"`
	MaxFetches      int        `json:"max_fetches,omitempty"`
	StopReason      StopReason `json:"stop_reason,omitempty"`
	Result          *Result    `json:"result,omitempty"`
}

// logObserver is used by single-shot invocations
type logObserver struct {
	source string
}

func (o logObserver) Start(req Request) error {
	slog.Debug("starting aggregation", "source", o.source, "target", req.TargetCount, "max_fetches", req.MaxFetches, "max_per_author", req.MaxPostsPerAuthor, "carried_seen", len(req.SeenIDs))
	return nil
}

func (o logObserver) Skip(item *types.FeedItem, reason SkipReason, _ Progress) error {
	slog.Debug("skipped item", "id", item.ID, "author", item.AuthorID, "reason", reason)
	return nil
}

func (o logObserver) Accept(item *types.FeedItem, p Progress) error {
	slog.Debug("accepted item", "id", item.ID, "author", item.AuthorID, "found", p.Found)
	return nil
}

func (o logObserver) PageDone(p Progress) error {
	slog.Debug("page processed", "batch", p.Batch, "found", p.Found, "scanned", p.Scanned)
	return nil
}

func (o logObserver) Complete(res Result) error {
	slog.Info("aggregation finished",
		"source", o.source,
		"found", len(res.Items),
		"scanned", res.TotalScanned,
		"fetches", res.FetchCount,
		"stop_reason", res.StopReason,
	)
	return nil
}

// emitter turns loop transitions into Events for a streaming consumer
type emitter struct {
	ctx        context.Context
	emit       func(Event) error
	target     int
	maxFetches int
}

func (e *emitter) send(ev Event) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	return e.emit(ev)
}

func (e *emitter) progress(p Progress, msg string) Event {
	return Event{
		Type:            EventProgress,
		Message:         msg,
		PostsFound:      p.Found,
		PostsChecked:    p.Scanned,
		CurrentBatch:    p.Batch,
		ProgressPercent: percent(p.Found, e.target),
	}
}

func (e *emitter) Start(req Request) error {
	return e.send(Event{
		Type:       EventStart,
		Message:    fmt.Sprintf("Looking for %d posts with media", req.TargetCount),
		MaxFetches: e.maxFetches,
	})
}

func (e *emitter) Skip(item *types.FeedItem, reason SkipReason, p Progress) error {
	return e.send(e.progress(p, fmt.Sprintf("Skipped %s (%s)", item.ID, reason)))
}

func (e *emitter) Accept(item *types.FeedItem, p Progress) error {
	return e.send(e.progress(p, fmt.Sprintf("Found post by @%s", item.AuthorHandle)))
}

func (e *emitter) PageDone(p Progress) error {
	return e.send(e.progress(p, fmt.Sprintf("Batch %d processed", p.Batch)))
}

func (e *emitter) Complete(res Result) error {
	return e.send(Event{
		Type:            EventComplete,
		Message:         fmt.Sprintf("Found %d posts after checking %d", len(res.Items), res.TotalScanned),
		PostsFound:      len(res.Items),
		PostsChecked:    res.TotalScanned,
		CurrentBatch:    res.FetchCount,
		ProgressPercent: percent(len(res.Items), e.target),
		StopReason:      res.StopReason,
		Result:          &res,
	})
}

func percent(found, target int) int {
	if target <= 0 {
		return 0
	}
	return min(100, found*100/target)
}
