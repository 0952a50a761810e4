package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scipunch/skyfeed/agent"
	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/report"
	"github.com/scipunch/skyfeed/scheduler"
	"github.com/scipunch/skyfeed/server"
	"github.com/scipunch/skyfeed/session"
)

const maintenanceEvery = 10 * time.Minute

// limitFlags are the aggregation parameters shared by fetch and export
type limitFlags struct {
	count      int
	maxPerUser int
	maxFetches int
}

func (f *limitFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "number of posts to collect (0 uses the configured default)")
	cmd.Flags().IntVar(&f.maxPerUser, "max-per-user", 0, "posts allowed per author")
	cmd.Flags().IntVar(&f.maxFetches, "max-fetches", 0, "upstream page fetches allowed")
}

func (f limitFlags) request(limits config.Limits) (aggregator.Request, error) {
	count, perUser, fetches, err := limits.Validate(f.count, f.maxPerUser, f.maxFetches)
	if err != nil {
		return aggregator.Request{}, err
	}
	return aggregator.Request{TargetCount: count, MaxPostsPerAuthor: perUser, MaxFetches: fetches}, nil
}

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard and its JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.build(ctx, "")
			if err != nil {
				return err
			}
			defer rt.sources.Close()
			store, err := a.openSessions()
			if err != nil {
				return err
			}
			defer store.Close()

			personaPath := config.DefaultPersonaPath()
			persona, err := config.ReadPersona(personaPath, a.cfg.Persona)
			if err != nil {
				slog.Warn("using configured persona", "error", err)
			}

			deps := server.Deps{
				Engine:      rt.engine,
				Pages:       rt.pages,
				Downloader:  rt.downloader,
				Sessions:    store,
				Limits:      a.cfg.Limits,
				Source:      a.cfg.Source,
				Handle:      a.creds.Bluesky.Handle,
				PersonaPath: personaPath,
				Persona:     persona,
				RateLimits:  a.cfg.Server.RateLimits,
			}
			if rt.sources.Bluesky != nil {
				deps.Liker = rt.sources.Bluesky
			}
			if a.creds.Gemini.IsValid() {
				replyAgent, err := agent.NewReplyAgent(ctx, a.creds.Gemini)
				if err != nil {
					return err
				}
				deps.Agent = replyAgent
				slog.Info("reply agent enabled", "agent", replyAgent.Name())
			} else {
				slog.Info("reply agent disabled, gemini credentials are missing")
			}

			sched := scheduler.New(time.Minute)
			if err := scheduler.Maintenance(sched, store, rt.engine.Adapter(), maintenanceEvery); err != nil {
				return err
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			return server.New(deps).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to the configured one)")
	return cmd
}

func newFetchCommand(a *app) *cobra.Command {
	var (
		limits    limitFlags
		sessionID string
		more      bool
		asJSON    bool
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Collect one batch of media posts and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req, err := limits.request(a.cfg.Limits)
			if err != nil {
				return err
			}
			rt, err := a.build(ctx, "")
			if err != nil {
				return err
			}
			defer rt.sources.Close()

			var store *session.Store
			if sessionID != "" {
				if store, err = a.openSessions(); err != nil {
					return err
				}
				defer store.Close()
				if more {
					sess, found, err := store.Get(ctx, sessionID)
					if err != nil {
						return err
					}
					if found {
						req.StartCursor, req.SeenIDs = sess.Cursor, sess.SeenIDs
					}
				}
			}

			var res aggregator.Result
			if stream {
				res, err = rt.engine.Stream(ctx, req, progressPrinter(os.Stderr))
			} else {
				res, err = rt.engine.Aggregate(ctx, req)
			}
			if err != nil {
				return err
			}

			if store != nil {
				if err := store.Save(ctx, session.Session{ID: sessionID, Cursor: res.Cursor, SeenIDs: res.SeenIDs}); err != nil {
					return err
				}
			}

			if asJSON || !isTerminal(os.Stdout) {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Println(renderPosts(res.Items))
			fmt.Println(renderSummary(res))
			return nil
		},
	}
	limits.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "persist the cursor and seen posts under this session id")
	cmd.Flags().BoolVar(&more, "more", false, "continue the given session instead of starting over")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	cmd.Flags().BoolVar(&stream, "stream", false, "print progress while collecting")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var (
		limits limitFlags
		outDir string
		title  string
		pdf    bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Collect one batch and write it as a standalone HTML snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req, err := limits.request(a.cfg.Limits)
			if err != nil {
				return err
			}
			rt, err := a.build(ctx, filepath.Join(outDir, "media"))
			if err != nil {
				return err
			}
			defer rt.sources.Close()

			res, err := rt.engine.Aggregate(ctx, req)
			if err != nil {
				return err
			}
			blobs := rt.downloader.DownloadAll(ctx, res.Items)

			snap := report.Build(title, a.cfg.Source, string(res.StopReason), res.Items, blobs, "media")
			htmlPath := filepath.Join(outDir, "index.html")
			if err := report.WriteHTML(htmlPath, snap); err != nil {
				return err
			}
			slog.Info("HTML snapshot generated", "path", htmlPath, "posts", len(snap.Posts))

			if pdf {
				pdfPath := filepath.Join(outDir, "snapshot.pdf")
				if err := report.GeneratePDF(ctx, htmlPath, pdfPath); err != nil {
					return fmt.Errorf("failed to generate PDF with %w", err)
				}
				slog.Info("PDF snapshot generated", "path", pdfPath)
			}
			return nil
		},
	}
	limits.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "snapshot", "output directory")
	cmd.Flags().StringVar(&title, "title", "Timeline snapshot", "snapshot title")
	cmd.Flags().BoolVar(&pdf, "pdf", false, "also print the snapshot to PDF")
	return cmd
}

func newCleanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove stored sessions and downloaded media",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openSessions()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}

			dir := a.cfg.Download.Dir
			size := dirSize(dir)
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove media at %s with %w", dir, err)
			}
			slog.Info("cleaned", "sessions", a.cfg.DatabasePath, "media", dir, "freed", humanize.Bytes(uint64(size)))
			return nil
		},
	}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func progressPrinter(w *os.File) func(aggregator.Event) error {
	return func(ev aggregator.Event) error {
		bar := strings.Repeat("#", ev.ProgressPercent/5) + strings.Repeat(".", 20-ev.ProgressPercent/5)
		_, err := fmt.Fprintf(w, "[%s] %3d%% %s\n", bar, ev.ProgressPercent, ev.Message)
		return err
	}
}
