// Package media downloads the images attached to accepted feed items
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/scipunch/skyfeed/fetcher/types"
)

var (
	ErrNotImage = errors.New("response is not an image")
	ErrTooLarge = errors.New("payload exceeds size limit")
)

// Blob is one media reference materialized on disk
type Blob struct {
	Ref      string `json:"-"`
	Path     string `json:"-"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Format   string `json:"format,omitempty"`
}

// BlobFetcher streams provider-specific references that are not plain URLs
type BlobFetcher interface {
	FetchBlob(ctx context.Context, ref string, w io.Writer) error
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Dir           string
	MaxConcurrent int
	MaxBytes      int64
	Timeout       time.Duration
}

type Downloader struct {
	cfg     Config
	client  HTTPClient
	fetcher map[string]BlobFetcher
	blobURL func(did, cid string) string
}

type Option func(*Downloader)

func WithHTTPClient(client HTTPClient) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithBlobFetcher routes references starting with scheme to f
func WithBlobFetcher(scheme string, f BlobFetcher) Option {
	return func(d *Downloader) {
		d.fetcher[scheme] = f
	}
}

// WithBlobURL resolves images that only carry a content id
func WithBlobURL(resolve func(did, cid string) string) Option {
	return func(d *Downloader) {
		d.blobURL = resolve
	}
}

func New(cfg Config, opts ...Option) (*Downloader, error) {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir %s with %w", cfg.Dir, err)
	}

	d := &Downloader{
		cfg:     cfg,
		client:  http.DefaultClient,
		fetcher: make(map[string]BlobFetcher),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Downloader) Dir() string {
	return d.cfg.Dir
}

type job struct {
	ref      string
	filename string
}

// jobs lists one slot per media reference: images first, then the link card
// thumbnail, then the video thumbnail. Empty refs keep their slot.
func (d *Downloader) jobs(item *types.FeedItem) []job {
	rkey := sanitize(item.RecordKey())
	var out []job
	for i, img := range item.Images {
		out = append(out, job{ref: d.imageRef(img), filename: fmt.Sprintf("image_%s_%d.jpg", rkey, i)})
	}
	if item.External != nil && item.External.Thumb != "" {
		out = append(out, job{ref: item.External.Thumb, filename: fmt.Sprintf("external_%s.jpg", rkey)})
	}
	if item.Video != nil && item.Video.Thumbnail != "" {
		out = append(out, job{ref: item.Video.Thumbnail, filename: fmt.Sprintf("video_%s.jpg", rkey)})
	}
	return out
}

// Split maps the slots returned by Download back to the item's media fields
func Split(item *types.FeedItem, blobs []*Blob) (images []*Blob, external, video *Blob) {
	at := func(i int) *Blob {
		if i < len(blobs) {
			return blobs[i]
		}
		return nil
	}

	n := len(item.Images)
	images = make([]*Blob, n)
	for i := range n {
		images[i] = at(i)
	}
	if item.External != nil && item.External.Thumb != "" {
		external = at(n)
		n++
	}
	if item.Video != nil && item.Video.Thumbnail != "" {
		video = at(n)
	}
	return images, external, video
}

func (d *Downloader) imageRef(img types.Image) string {
	switch {
	case img.URL != "":
		return img.URL
	case img.Ref != "":
		return img.Ref
	case img.CID != "" && img.DID != "" && d.blobURL != nil:
		return d.blobURL(img.DID, img.CID)
	}
	return ""
}

// Download fetches every media reference of item concurrently. The result
// has one slot per reference and a failed download leaves its slot nil.
func (d *Downloader) Download(ctx context.Context, item *types.FeedItem) []*Blob {
	if item == nil {
		return nil
	}
	jobs := d.jobs(item)
	blobs := make([]*Blob, len(jobs))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrent)
	for i, j := range jobs {
		if j.ref == "" {
			continue
		}
		g.Go(func() error {
			blob, err := d.fetch(ctx, j)
			if err != nil {
				slog.Warn("failed to download media", "item", item.ID, "file", j.filename, "error", err)
				return nil
			}
			blobs[i] = blob
			return nil
		})
	}
	_ = g.Wait()
	return blobs
}

// DownloadAll materializes the media of each item, keyed by item id
func (d *Downloader) DownloadAll(ctx context.Context, items []types.FeedItem) map[string][]*Blob {
	out := make(map[string][]*Blob, len(items))
	var total int64
	for i := range items {
		blobs := d.Download(ctx, &items[i])
		out[items[i].ID] = blobs
		for _, b := range blobs {
			if b != nil {
				total += b.Size
			}
		}
	}
	slog.Debug("downloaded media", "items", len(items), "bytes", humanize.Bytes(uint64(total)))
	return out
}

func (d *Downloader) fetch(ctx context.Context, j job) (*Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	path := filepath.Join(d.cfg.Dir, j.filename)
	tmp, err := os.CreateTemp(d.cfg.Dir, j.filename+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file with %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := d.stream(ctx, j.ref, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move %s into place with %w", j.filename, err)
	}

	blob := &Blob{Ref: j.ref, Path: path, Filename: j.filename, Size: size}
	if w, h, format, err := Info(path); err == nil {
		blob.Width, blob.Height, blob.Format = w, h, format
	} else {
		slog.Debug("could not read image info", "file", j.filename, "error", err)
	}
	slog.Debug("saved media", "file", j.filename, "size", humanize.Bytes(uint64(size)))
	return blob, nil
}

func (d *Downloader) stream(ctx context.Context, ref string, w io.Writer) (int64, error) {
	for scheme, f := range d.fetcher {
		if strings.HasPrefix(ref, scheme) {
			lw := &limitWriter{w: w, remaining: d.cfg.MaxBytes}
			if err := f.FetchBlob(ctx, ref, lw); err != nil {
				return 0, fmt.Errorf("failed to fetch blob with %w", err)
			}
			return d.cfg.MaxBytes - lw.remaining, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request with %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get %s with %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, ref)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return 0, fmt.Errorf("%w: content type %q", ErrNotImage, ct)
	}
	if resp.ContentLength > d.cfg.MaxBytes {
		return 0, fmt.Errorf("%w: %s declared", ErrTooLarge, humanize.Bytes(uint64(resp.ContentLength)))
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, d.cfg.MaxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read body with %w", err)
	}
	if n > d.cfg.MaxBytes {
		return 0, fmt.Errorf("%w: more than %s streamed", ErrTooLarge, humanize.Bytes(uint64(d.cfg.MaxBytes)))
	}
	return n, nil
}

// Info reports the dimensions and format of an image file
func Info(path string) (int, int, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to decode image config with %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, ErrTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
