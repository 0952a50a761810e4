package filter

import "github.com/scipunch/skyfeed/fetcher/types"

// HasMedia reports whether an item carries at least one displayable visual:
// a usable image, a link card with a thumbnail, or a video with a thumbnail.
// Partially populated and nil items are handled without panicking.
func HasMedia(item *types.FeedItem) bool {
	if item == nil {
		return false
	}
	if ImageCount(item) > 0 {
		return true
	}
	if item.External != nil && item.External.Thumb != "" {
		return true
	}
	return item.Video != nil && item.Video.Thumbnail != ""
}

// ImageCount returns the number of usable images. Link cards and videos never count.
func ImageCount(item *types.FeedItem) int {
	if item == nil {
		return 0
	}
	n := 0
	for _, img := range item.Images {
		if usableImage(img) {
			n++
		}
	}
	return n
}

// An image is usable when it can be fetched either directly or through its blob reference
func usableImage(img types.Image) bool {
	return img.URL != "" || img.CID != "" || img.Ref != ""
}
