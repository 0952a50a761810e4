package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/types"
)

func TestLimitFlags_Request(t *testing.T) {
	limits := config.DefaultLimits()

	req, err := limitFlags{}.request(limits)
	if err != nil {
		t.Fatal(err)
	}
	if req.TargetCount != 6 || req.MaxPostsPerAuthor != 1 || req.MaxFetches != 300 {
		t.Errorf("expected defaults, got %+v", req)
	}

	req, err = limitFlags{count: 3, maxPerUser: 2, maxFetches: 10}.request(limits)
	if err != nil {
		t.Fatal(err)
	}
	if req.TargetCount != 3 || req.MaxPostsPerAuthor != 2 || req.MaxFetches != 10 {
		t.Errorf("unexpected request %+v", req)
	}

	if _, err := (limitFlags{count: 50}).request(limits); !errors.Is(err, config.ErrLimitOutOfRange) {
		t.Errorf("expected out of range error, got %v", err)
	}
}

func TestRenderPosts(t *testing.T) {
	out := renderPosts([]types.FeedItem{{
		AuthorHandle: "alice.test",
		IsReshare:    true,
		ReshareBy:    "bob.test",
		Text:         "line one\nline two",
		Images:       []types.Image{{URL: "https://cdn.test/1.jpg"}},
		Likes:        3,
	}})
	for _, want := range []string{"@alice.test (via @bob.test)", "line one line two"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in\n%s", want, out)
		}
	}
}

func TestRenderSummary(t *testing.T) {
	out := renderSummary(aggregator.Result{
		TotalScanned: 12,
		FetchCount:   2,
		StopReason:   aggregator.StopFetchBudgetExhausted,
		Skipped:      map[aggregator.SkipReason]int{aggregator.SkipNoMedia: 4, aggregator.SkipDuplicate: 1},
		Err:          "upstream down",
	})
	for _, want := range []string{"fetch-budget-exhausted", "duplicate=1 no-media=4", "upstream down"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in\n%s", want, out)
		}
	}
}
