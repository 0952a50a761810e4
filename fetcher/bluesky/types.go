package bluesky

import (
	"strings"
	"time"

	"github.com/scipunch/skyfeed/fetcher/types"
)

const reasonRepost = "app.bsky.feed.defs#reasonRepost"

// API response types (private - implementation detail)

type feedResponse struct {
	Cursor string         `json:"cursor"`
	Feed   []feedViewPost `json:"feed"`
}

type feedViewPost struct {
	Post   postView `json:"post"`
	Reason *struct {
		Type string  `json:"$type"`
		By   profile `json:"by"`
	} `json:"reason"`
}

type profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type postView struct {
	URI         string     `json:"uri"`
	CID         string     `json:"cid"`
	Author      profile    `json:"author"`
	Record      postRecord `json:"record"`
	Embed       *embedView `json:"embed"`
	ReplyCount  int64      `json:"replyCount"`
	RepostCount int64      `json:"repostCount"`
	LikeCount   int64      `json:"likeCount"`
	IndexedAt   string     `json:"indexedAt"`
	Viewer      *struct {
		Like string `json:"like"`
	} `json:"viewer"`
}

type postRecord struct {
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"`
	Embed     *recordEmbed `json:"embed"`
}

// recordEmbed is the embed as authored; it only carries blob references
type recordEmbed struct {
	Images []struct {
		Alt   string  `json:"alt"`
		Image blobRef `json:"image"`
	} `json:"images"`
	External *struct {
		URI         string   `json:"uri"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Thumb       *blobRef `json:"thumb"`
	} `json:"external"`
	Video *blobRef     `json:"video"`
	Alt   string       `json:"alt"`
	Media *recordEmbed `json:"media"`
}

type blobRef struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
}

// embedView is the hydrated embed with CDN URLs
type embedView struct {
	Images []struct {
		Thumb    string `json:"thumb"`
		Fullsize string `json:"fullsize"`
		Alt      string `json:"alt"`
	} `json:"images"`
	External *struct {
		URI         string `json:"uri"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Thumb       string `json:"thumb"`
	} `json:"external"`
	Thumbnail string     `json:"thumbnail"`
	Alt       string     `json:"alt"`
	Media     *embedView `json:"media"`
}

func (fvp feedViewPost) toFeedItem() types.FeedItem {
	post := fvp.Post
	item := types.FeedItem{
		ID:           post.URI,
		CID:          post.CID,
		AuthorID:     post.Author.DID,
		AuthorHandle: post.Author.Handle,
		AuthorName:   post.Author.DisplayName,
		AuthorAvatar: post.Author.Avatar,
		Text:         post.Record.Text,
		Replies:      post.ReplyCount,
		Reposts:      post.RepostCount,
		Likes:        post.LikeCount,
	}

	item.IndexedAt = parseTime(post.IndexedAt)
	if item.IndexedAt.IsZero() {
		item.IndexedAt = parseTime(post.Record.CreatedAt)
	}
	if post.Author.Handle != "" {
		item.Link = "https://bsky.app/profile/" + post.Author.Handle + "/post/" + item.RecordKey()
	}
	if post.Viewer != nil {
		item.LikeURI = post.Viewer.Like
	}
	if fvp.Reason != nil && fvp.Reason.Type == reasonRepost {
		item.IsReshare = true
		item.ReshareBy = fvp.Reason.By.Handle
	}

	view := post.Embed
	if view != nil && view.Media != nil {
		view = view.Media
	}
	record := post.Record.Embed
	if record != nil && record.Media != nil {
		record = record.Media
	}

	item.Images = mergeImages(view, record, post.Author.DID)
	item.External = external(view, record)
	item.Video = video(view, record)
	return item
}

// mergeImages pairs hydrated image URLs with their blob CIDs by position.
// Either side may be missing.
func mergeImages(view *embedView, record *recordEmbed, did string) []types.Image {
	var viewCount, recordCount int
	if view != nil {
		viewCount = len(view.Images)
	}
	if record != nil {
		recordCount = len(record.Images)
	}

	n := max(viewCount, recordCount)
	if n == 0 {
		return nil
	}

	images := make([]types.Image, n)
	for i := range images {
		images[i].DID = did
		if i < viewCount {
			v := view.Images[i]
			images[i].URL = v.Fullsize
			images[i].Thumb = v.Thumb
			images[i].Alt = v.Alt
		}
		if i < recordCount {
			r := record.Images[i]
			images[i].CID = r.Image.Ref.Link
			if images[i].Alt == "" {
				images[i].Alt = r.Alt
			}
		}
	}
	return images
}

func external(view *embedView, record *recordEmbed) *types.External {
	if view != nil && view.External != nil {
		return &types.External{
			URI:         view.External.URI,
			Title:       view.External.Title,
			Description: view.External.Description,
			Thumb:       view.External.Thumb,
		}
	}
	if record != nil && record.External != nil {
		// Unhydrated card; the thumb blob is not addressable without the author DID
		return &types.External{
			URI:         record.External.URI,
			Title:       record.External.Title,
			Description: record.External.Description,
		}
	}
	return nil
}

func video(view *embedView, record *recordEmbed) *types.Video {
	if view != nil && view.Thumbnail != "" {
		return &types.Video{Thumbnail: view.Thumbnail, Alt: view.Alt}
	}
	if record != nil && record.Video != nil {
		return &types.Video{Alt: record.Alt}
	}
	return nil
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
