package parser

import (
	"fmt"

	"github.com/scipunch/skyfeed/fetcher/types"
)

type Type = string

var (
	Bluesky  = Type("bluesky")
	Telegram = Type("telegram")
	RSS      = Type("rss")
)

// Parser renders the text part of a feed item as HTML
type Parser interface {
	Parse(item types.FeedItem) (Response, error)
}

type Response interface {
	fmt.Stringer
}

// HTML is the Response shared by every parser
type HTML string

func (h HTML) String() string {
	return string(h)
}
