package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/filter"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderPosts(items []types.FeedItem) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Author", "Text", "Images", "Likes", "Link"})
	for i := range items {
		item := &items[i]
		author := "@" + item.AuthorHandle
		if item.IsReshare {
			author += " (via @" + item.ReshareBy + ")"
		}
		tw.AppendRow(table.Row{
			i + 1,
			author,
			text.Trim(strings.Join(strings.Fields(item.Text), " "), 60),
			filter.ImageCount(item),
			item.Likes,
			item.Link,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return tw.Render()
}

func renderSummary(res aggregator.Result) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendRows([]table.Row{
		{"Found", len(res.Items)},
		{"Scanned", res.TotalScanned},
		{"Fetches", res.FetchCount},
		{"Stop reason", res.StopReason},
		{"Next cursor", res.Cursor},
	})
	if len(res.Skipped) > 0 {
		reasons := make([]string, 0, len(res.Skipped))
		for reason, n := range res.Skipped {
			reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
		}
		sort.Strings(reasons)
		tw.AppendRow(table.Row{"Skipped", strings.Join(reasons, " ")})
	}
	if res.Err != "" {
		tw.AppendRow(table.Row{"Upstream error", res.Err})
	}
	return tw.Render()
}
