package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
)

// RefScheme prefixes every Telegram file reference produced by this package
const RefScheme = "tg-"

const (
	kindPhoto    = "tg-photo"
	kindDocument = "tg-doc"
)

// fileRef addresses a photo or a document thumbnail on Telegram servers.
// Encoded as kind:id:accessHash:fileReference(base64url):thumbSize.
type fileRef struct {
	Kind          string
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string
}

// IsRef reports whether s is a Telegram file reference
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefScheme)
}

func (r fileRef) String() string {
	return strings.Join([]string{
		r.Kind,
		strconv.FormatInt(r.ID, 10),
		strconv.FormatInt(r.AccessHash, 10),
		base64.RawURLEncoding.EncodeToString(r.FileReference),
		r.ThumbSize,
	}, ":")
}

func parseFileRef(s string) (fileRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return fileRef{}, fmt.Errorf("malformed telegram file reference %q", s)
	}

	var (
		ref fileRef
		err error
	)
	ref.Kind = parts[0]
	if ref.Kind != kindPhoto && ref.Kind != kindDocument {
		return fileRef{}, fmt.Errorf("unknown telegram file kind %q", ref.Kind)
	}
	if ref.ID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return fileRef{}, fmt.Errorf("invalid file id in %q with %w", s, err)
	}
	if ref.AccessHash, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return fileRef{}, fmt.Errorf("invalid access hash in %q with %w", s, err)
	}
	if ref.FileReference, err = base64.RawURLEncoding.DecodeString(parts[3]); err != nil {
		return fileRef{}, fmt.Errorf("invalid file reference in %q with %w", s, err)
	}
	ref.ThumbSize = parts[4]
	return ref, nil
}

func (r fileRef) location() tg.InputFileLocationClass {
	if r.Kind == kindDocument {
		return &tg.InputDocumentFileLocation{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
			ThumbSize:     r.ThumbSize,
		}
	}
	return &tg.InputPhotoFileLocation{
		ID:            r.ID,
		AccessHash:    r.AccessHash,
		FileReference: r.FileReference,
		ThumbSize:     r.ThumbSize,
	}
}

// largestSize picks the photo size with the most pixels
func largestSize(sizes []tg.PhotoSizeClass) (string, bool) {
	var (
		best      string
		maxPixels int
	)
	for _, sizeClass := range sizes {
		switch size := sizeClass.(type) {
		case *tg.PhotoSize:
			if pixels := size.W * size.H; pixels > maxPixels {
				maxPixels = pixels
				best = size.Type
			}
		case *tg.PhotoSizeProgressive:
			if pixels := size.W * size.H; pixels > maxPixels {
				maxPixels = pixels
				best = size.Type
			}
		}
	}
	return best, best != ""
}

func photoRef(photoClass tg.PhotoClass) (string, bool) {
	photo, ok := photoClass.(*tg.Photo)
	if !ok {
		return "", false
	}
	thumb, ok := largestSize(photo.Sizes)
	if !ok {
		return "", false
	}
	return fileRef{
		Kind:          kindPhoto,
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     thumb,
	}.String(), true
}

func documentThumbRef(doc *tg.Document) (string, bool) {
	thumbs, ok := doc.GetThumbs()
	if !ok {
		return "", false
	}
	thumb, ok := largestSize(thumbs)
	if !ok {
		return "", false
	}
	return fileRef{
		Kind:          kindDocument,
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
		ThumbSize:     thumb,
	}.String(), true
}

// FetchBlob streams the file behind a Telegram reference into w
func (s *Source) FetchBlob(ctx context.Context, ref string, w io.Writer) error {
	parsed, err := parseFileRef(ref)
	if err != nil {
		return err
	}

	return s.run(ctx, func(ctx context.Context, client *telegram.Client) error {
		_, err := downloader.NewDownloader().Download(client.API(), parsed.location()).Stream(ctx, w)
		if err != nil {
			return fmt.Errorf("failed to download %s %d with %w", parsed.Kind, parsed.ID, err)
		}
		slog.Debug("telegram file downloaded", "kind", parsed.Kind, "id", parsed.ID, "thumb", parsed.ThumbSize)
		return nil
	})
}
