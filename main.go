package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scipunch/skyfeed/aggregator"
	"github.com/scipunch/skyfeed/cache"
	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher"
	"github.com/scipunch/skyfeed/fetcher/bluesky"
	"github.com/scipunch/skyfeed/fetcher/telegram"
	"github.com/scipunch/skyfeed/filter"
	"github.com/scipunch/skyfeed/media"
	"github.com/scipunch/skyfeed/session"
)

func main() {
	if os.Getenv("DEBUG") != "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	config.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "skyfeed",
		Short:         "Media-first timeline aggregator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", config.DefaultPath(), "path to a TOML config")

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newFetchCommand(a))
	root.AddCommand(newExportCommand(a))
	root.AddCommand(newCleanCommand(a))
	return root
}

// app carries the state shared by every command
type app struct {
	cfgPath string
	cfg     config.Config
	creds   config.Credentials
}

// loadConfig reads the config and creates the default one if it is missing
func (a *app) loadConfig() error {
	conf, err := config.Read(a.cfgPath)
	if errors.Is(err, os.ErrNotExist) && a.cfgPath == config.DefaultPath() {
		if err := config.Write(a.cfgPath, conf); err != nil {
			return fmt.Errorf("failed to write default config with %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read config with %w", err)
	}
	a.cfg = conf

	creds, err := config.LoadCredentials(config.DefaultCredentialsPath())
	if err != nil {
		return fmt.Errorf("failed to read credentials with %w", err)
	}
	a.creds = creds
	return nil
}

// runtime holds the wired components of one process
type runtime struct {
	sources    fetcher.Sources
	pages      *cache.Cache
	engine     *aggregator.Engine
	downloader *media.Downloader
}

// build connects the configured source and wires the engine around it.
// mediaDir overrides the configured download directory when not empty.
func (a *app) build(ctx context.Context, mediaDir string) (*runtime, error) {
	sources, err := fetcher.GetSource(ctx, a.cfg, a.creds)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize source with %w", err)
	}

	pipeline, err := filter.NewPipeline(a.cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filters with %w", err)
	}
	if len(a.cfg.PostFilters) > 0 {
		slog.Info("post filters enabled", "filters", a.cfg.PostFilters)
	}

	eng := a.cfg.Engine
	pages := cache.NewCache(eng.CacheTTL.Duration)
	adapter := aggregator.NewAdapter(sources.Feed, pages, aggregator.AdapterConfig{
		ErrorThreshold: eng.ErrorThreshold,
		MaxAttempts:    eng.MaxAttempts,
		InitialBackoff: eng.PacingDelay.Duration,
		MaxBackoff:     eng.MaxBackoff.Duration,
	})
	engine := aggregator.NewEngine(adapter, aggregator.Config{
		PageLimit:   eng.PageLimit,
		Algorithm:   eng.Algorithm,
		PacingDelay: eng.PacingDelay.Duration,
		PostFilter:  pipeline.Predicate(a.cfg.PostFilters),
	})

	dl := a.cfg.Download
	if mediaDir == "" {
		mediaDir = dl.Dir
	}
	opts := []media.Option{media.WithBlobURL(bluesky.BlobURL)}
	if sources.Telegram != nil {
		opts = append(opts, media.WithBlobFetcher(telegram.RefScheme, sources.Telegram))
	}
	downloader, err := media.New(media.Config{
		Dir:           mediaDir,
		MaxConcurrent: dl.MaxConcurrent,
		MaxBytes:      dl.MaxBytes,
		Timeout:       dl.Timeout.Duration,
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &runtime{sources: sources, pages: pages, engine: engine, downloader: downloader}, nil
}

func (a *app) openSessions() (*session.Store, error) {
	store, err := session.Open(a.cfg.DatabasePath, a.cfg.SessionTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store with %w", err)
	}
	return store, nil
}
