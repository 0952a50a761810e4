package fetcher

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/scipunch/skyfeed/config"
	"github.com/scipunch/skyfeed/fetcher/bluesky"
	"github.com/scipunch/skyfeed/fetcher/telegram"
	"github.com/scipunch/skyfeed/fetcher/types"
)

// Sources bundles the configured feed with the optional collaborators other
// packages need: the Bluesky client for likes and the Telegram blob reader.
type Sources struct {
	Feed     types.Source
	Bluesky  *bluesky.Client
	Telegram *telegram.Source
}

// Close releases the long-lived upstream connections
func (s Sources) Close() error {
	if s.Telegram != nil {
		return s.Telegram.Close()
	}
	return nil
}

// GetSource creates the upstream feed selected by cfg.Source
func GetSource(ctx context.Context, cfg config.Config, creds config.Credentials) (Sources, error) {
	switch cfg.Source {
	case config.Bluesky, "":
		if !creds.Bluesky.IsValid() {
			return Sources{}, fmt.Errorf("bluesky credentials are missing, set them in creds.toml or BLUESKY_HANDLE/BLUESKY_PASSWORD")
		}
		var opts []bluesky.ClientOption
		if creds.Bluesky.Service != "" {
			opts = append(opts, bluesky.WithBaseURL(creds.Bluesky.Service))
		}
		client := bluesky.NewClient(opts...)
		if err := client.Login(ctx, creds.Bluesky.Handle, creds.Bluesky.Password); err != nil {
			return Sources{}, err
		}
		feed := bluesky.NewSource(client, cfg.FeedURI, bluesky.WithFallback(cfg.FeedFallback.After, cfg.FeedFallback.Cooldown.Duration))
		return Sources{Feed: feed, Bluesky: client}, nil

	case config.TelegramChannel:
		if cfg.Channel == "" {
			return Sources{}, fmt.Errorf("telegram source needs a channel")
		}
		tgCreds := creds.Telegram
		if !tgCreds.IsValid() {
			var err error
			if tgCreds, err = config.LoadOrPromptTelegramCredentials(config.DefaultCredentialsPath()); err != nil {
				return Sources{}, fmt.Errorf("failed to load telegram credentials with %w", err)
			}
		}
		src, err := telegram.NewSource(telegram.Account{
			ConfigDir:   configDir(),
			AppID:       tgCreds.AppID,
			AppHash:     tgCreds.AppHash,
			PhoneNumber: tgCreds.PhoneNumber,
		}, cfg.Channel)
		if err != nil {
			return Sources{}, err
		}
		return Sources{Feed: src, Telegram: src}, nil

	case config.RSS:
		if cfg.RSSURL == "" {
			return Sources{}, fmt.Errorf("rss source needs rss_url")
		}
		return Sources{Feed: NewRSSSource(cfg.RSSURL)}, nil

	default:
		return Sources{}, fmt.Errorf("unknown source type: %s", cfg.Source)
	}
}

func configDir() string {
	return filepath.Dir(config.DefaultCredentialsPath())
}
