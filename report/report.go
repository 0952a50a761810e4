// Package report renders an aggregation result as a standalone HTML snapshot
// and optionally prints it to PDF.
package report

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/types"
	"github.com/scipunch/skyfeed/media"
	"github.com/scipunch/skyfeed/parser"
	"github.com/scipunch/skyfeed/parser/richtext"
	"github.com/scipunch/skyfeed/parser/telegram"
)

//go:embed templates/*.html
var templates embed.FS

var snapshotTmpl = template.Must(template.ParseFS(templates, "templates/snapshot.html"))

type Snapshot struct {
	Title       string
	Source      string
	StopReason  string
	GeneratedAt time.Time
	Posts       []Post
}

type Post struct {
	Anchor       string
	AuthorName   string
	AuthorHandle string
	Link         string
	IndexedAt    string
	Body         template.HTML
	Images       []Image
	Replies      int64
	Reposts      int64
	Likes        int64
}

type Image struct {
	Src    string
	Alt    string
	Width  int
	Height int
}

// ParserFor picks the text renderer matching the configured source
func ParserFor(source config.SourceType) parser.Parser {
	switch source {
	case config.TelegramChannel:
		return telegram.Parser{}
	case config.Bluesky:
		return richtext.New(true)
	default:
		return richtext.New(false)
	}
}

// Build assembles a snapshot. Image sources are relative to mediaPrefix.
func Build(title string, source config.SourceType, stopReason string, items []types.FeedItem, blobs map[string][]*media.Blob, mediaPrefix string) Snapshot {
	p := ParserFor(source)
	snap := Snapshot{
		Title:       title,
		Source:      string(source),
		StopReason:  stopReason,
		GeneratedAt: time.Now(),
	}

	for _, item := range items {
		body, err := p.Parse(item)
		if err != nil {
			slog.Warn("failed to render post text", "id", item.ID, "error", err)
			body = parser.HTML(template.HTMLEscapeString(item.Text))
		}

		hash := sha256.Sum256([]byte(item.ID))
		post := Post{
			Anchor:       hex.EncodeToString(hash[:8]),
			AuthorName:   item.AuthorName,
			AuthorHandle: item.AuthorHandle,
			Link:         item.Link,
			Body:         template.HTML(body.String()),
			Replies:      item.Replies,
			Reposts:      item.Reposts,
			Likes:        item.Likes,
		}
		if !item.IndexedAt.IsZero() {
			post.IndexedAt = item.IndexedAt.Format("2006-01-02 15:04")
		}

		for i, blob := range blobs[item.ID] {
			if blob == nil {
				continue
			}
			img := Image{
				Src:    path.Join(mediaPrefix, blob.Filename),
				Width:  blob.Width,
				Height: blob.Height,
			}
			if i < len(item.Images) {
				img.Alt = item.Images[i].Alt
			}
			post.Images = append(post.Images, img)
		}
		snap.Posts = append(snap.Posts, post)
	}
	return snap
}

func Render(w io.Writer, snap Snapshot) error {
	if err := snapshotTmpl.Execute(w, snap); err != nil {
		return fmt.Errorf("failed to render snapshot with %w", err)
	}
	return nil
}

// WriteHTML renders the snapshot into a file
func WriteHTML(htmlPath string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(htmlPath), 0755); err != nil {
		return fmt.Errorf("failed to create report directory with %w", err)
	}
	out, err := os.Create(htmlPath)
	if err != nil {
		return fmt.Errorf("failed to create %s with %w", htmlPath, err)
	}
	defer out.Close()
	return Render(out, snap)
}

// GeneratePDF prints a local HTML file to a B5 PDF with a headless browser
func GeneratePDF(ctx context.Context, htmlPath, pdfPath string) error {
	if err := playwright.Install(); err != nil {
		return fmt.Errorf("could not install playwright: %w", err)
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("could not start playwright: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch()
	if err != nil {
		return fmt.Errorf("could not launch browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.NewPage()
	if err != nil {
		return fmt.Errorf("could not create page: %w", err)
	}
	defer page.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	absPath, err := filepath.Abs(htmlPath)
	if err != nil {
		return fmt.Errorf("could not get absolute path: %w", err)
	}
	if _, err = page.Goto("file://" + absPath); err != nil {
		return fmt.Errorf("could not navigate to HTML file: %w", err)
	}

	// B5 paper size: 176mm x 250mm
	_, err = page.PDF(playwright.PagePdfOptions{
		Path:            playwright.String(pdfPath),
		Width:           playwright.String("176mm"),
		Height:          playwright.String("250mm"),
		PrintBackground: playwright.Bool(true),
		Margin: &playwright.Margin{
			Top:    playwright.String("15mm"),
			Right:  playwright.String("15mm"),
			Bottom: playwright.String("15mm"),
			Left:   playwright.String("15mm"),
		},
	})
	if err != nil {
		return fmt.Errorf("could not generate PDF: %w", err)
	}
	return nil
}
