// Package filter holds the optional text rules applied to candidate posts
// and the media predicates used by the aggregation loop.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/types"
)

// rule rejects an item by returning the name of the failed check
type rule func(item *types.FeedItem) (string, bool)

// Pipeline holds named filters compiled from config
type Pipeline struct {
	filters map[string][]rule
}

// NewPipeline compiles every named filter. An invalid exclude pattern fails the whole pipeline.
func NewPipeline(named map[string]config.Filter) (*Pipeline, error) {
	p := &Pipeline{filters: make(map[string][]rule, len(named))}
	for name, f := range named {
		rules, err := compile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to compile filter %s with %w", name, err)
		}
		p.filters[name] = rules
	}
	return p, nil
}

func compile(f config.Filter) ([]rule, error) {
	var rules []rule

	if f.MinLength > 0 {
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			return "min_length", utf8.RuneCountInString(strings.TrimSpace(item.Text)) >= f.MinLength
		})
	}
	if f.MinWords > 0 {
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			return "min_words", countWords(item.Text) >= f.MinWords
		})
	}
	for _, pattern := range f.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			name := "exclude_pattern[" + pattern + "]"
			if re.MatchString(item.Text) {
				return name, false
			}
			for _, img := range item.Images {
				if img.Alt != "" && re.MatchString(img.Alt) {
					return name, false
				}
			}
			return name, true
		})
	}
	if f.RequireParagraphs {
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			return "require_paragraphs", paragraphs(item.Text) >= 2
		})
	}
	if len(f.ExcludeAuthors) > 0 {
		blocked := make(map[string]struct{}, len(f.ExcludeAuthors))
		for _, a := range f.ExcludeAuthors {
			if a = normalizeAuthor(a); a != "" {
				blocked[a] = struct{}{}
			}
		}
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			_, byHandle := blocked[normalizeAuthor(item.AuthorHandle)]
			_, byID := blocked[normalizeAuthor(item.AuthorID)]
			return "exclude_author", !byHandle && !byID
		})
	}
	if f.RequireAltText {
		rules = append(rules, func(item *types.FeedItem) (string, bool) {
			for _, img := range item.Images {
				if usableImage(img) && strings.TrimSpace(img.Alt) == "" {
					return "require_alt_text", false
				}
			}
			return "require_alt_text", true
		})
	}
	return rules, nil
}

// Check runs the named filters in order and reports the first failing check
// as "<filter>:<check>". Unknown names are skipped.
func (p *Pipeline) Check(item *types.FeedItem, names []string) (bool, string) {
	for _, name := range names {
		rules, ok := p.filters[name]
		if !ok {
			slog.Warn("filter not found, skipping", "filter_name", name)
			continue
		}
		for _, r := range rules {
			if check, passed := r(item); !passed {
				return false, name + ":" + check
			}
		}
	}
	return true, ""
}

// Predicate binds the pipeline to a fixed list of filter names.
// It returns nil when there is nothing to apply.
func (p *Pipeline) Predicate(names []string) func(*types.FeedItem) (bool, string) {
	if p == nil || len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if _, ok := p.filters[name]; !ok {
			slog.Warn("post filter is not defined", "filter_name", name)
		}
	}
	names = append([]string(nil), names...)
	return func(item *types.FeedItem) (bool, string) {
		if item == nil {
			return false, "nil_item"
		}
		return p.Check(item, names)
	}
}

func normalizeAuthor(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

func countWords(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}

// paragraphs counts non-blank lines
func paragraphs(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
