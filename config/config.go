package config

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
)

type SourceType = string

var (
	Bluesky         = SourceType("bluesky")
	TelegramChannel = SourceType("telegram_channel")
	RSS             = SourceType("rss")
)

const baseCfgPath = "skyfeed/config.toml"

type Config struct {
	Source       SourceType        `toml:"source"`
	FeedURI      string            `toml:"feed_uri"` // Custom Bluesky feed generator, empty for the home timeline
	FeedFallback FeedFallback      `toml:"feed_fallback"`
	Channel      string            `toml:"channel"`  // Telegram channel username
	RSSURL       string            `toml:"rss_url"`
	DatabasePath string            `toml:"database_path"`
	SessionTTL   Duration          `toml:"session_ttl"`
	Engine       EngineConfig      `toml:"engine"`
	Limits       Limits            `toml:"limits"`
	Download     DownloadConfig    `toml:"download"`
	Server       ServerConfig      `toml:"server"`
	Persona      Persona           `toml:"persona"`
	Filters      map[string]Filter `toml:"filters"`      // Named filters that can be referenced by post_filters
	PostFilters  []string          `toml:"post_filters"` // Names of filters applied to every candidate post (pipeline)
}

// EngineConfig tunes the feed client adapter and the aggregation loop
type EngineConfig struct {
	PageLimit      int      `toml:"page_limit"`
	Algorithm      string   `toml:"algorithm"`
	CacheTTL       Duration `toml:"cache_ttl"`
	PacingDelay    Duration `toml:"pacing_delay"`
	ErrorThreshold int      `toml:"error_threshold"`
	MaxAttempts    int      `toml:"max_attempts"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// FeedFallback controls when a failing custom feed gives way to the home timeline
type FeedFallback struct {
	After    int      `toml:"after"`    // Consecutive feed failures before falling back
	Cooldown Duration `toml:"cooldown"` // How long the timeline is served before the feed is retried
}

type DownloadConfig struct {
	Dir           string   `toml:"dir"`
	MaxConcurrent int      `toml:"max_concurrent"`
	MaxBytes      int64    `toml:"max_bytes"`
	Timeout       Duration `toml:"timeout"`
}

type ServerConfig struct {
	Addr       string         `toml:"addr"`
	RateLimits map[string]int `toml:"rate_limits"` // Requests per minute per client, keyed by route name
}

// DefaultRateLimits returns the per-client budgets of the dashboard API.
// A budget of 0 turns limiting off for that route.
func DefaultRateLimits() map[string]int {
	return map[string]int{
		"posts":           10,
		"posts_stream":    5,
		"image":           100,
		"reset_stats":     5,
		"ai_config":       10,
		"ai_config_reset": 5,
		"like":            30,
		"unlike":          30,
		"ai_reply":        10,
	}
}

// Filter defines rules for filtering feed items
type Filter struct {
	MinLength         int      `toml:"min_length"`         // Minimum character count (0 = no limit)
	MinWords          int      `toml:"min_words"`          // Minimum word count (0 = no limit)
	ExcludePatterns   []string `toml:"exclude_patterns"`   // Regex patterns matched against text and alt texts
	RequireParagraphs bool     `toml:"require_paragraphs"` // Must have multiple lines/paragraphs
	ExcludeAuthors    []string `toml:"exclude_authors"`    // Handles or DIDs whose posts are dropped
	RequireAltText    bool     `toml:"require_alt_text"`   // Every image must be described
}

// Duration is a time.Duration decoded from strings like "5m"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("failed to parse duration '%s' with %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Read(path string) (Config, error) {
	conf := Default()
	dat, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	_, err = toml.Decode(string(dat), &conf)
	if err != nil {
		return conf, fmt.Errorf("failed to decode config at %s with %w", path, err)
	}
	if err := conf.Limits.check(); err != nil {
		return conf, fmt.Errorf("invalid limits in %s with %w", path, err)
	}
	return conf, nil
}

func Write(cfgPath string, cfg Config) error {
	blob, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config with %w", err)
	}
	basePath := path.Dir(cfgPath)
	err = os.MkdirAll(basePath, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create base config directory at '%s' with %w", basePath, err)
	}
	err = os.WriteFile(cfgPath, blob, 0644)
	if err != nil {
		return fmt.Errorf("failed to write into config file at '%s' with %w", cfgPath, err)
	}
	slog.Info("config written", "at", cfgPath)
	return nil
}

func Default() Config {
	var home = os.Getenv("HOME")
	var dataBase = path.Join(home, ".local/share/skyfeed")
	return Config{
		Source:       Bluesky,
		DatabasePath: path.Join(dataBase, "sessions.db"),
		SessionTTL:   Duration{2 * time.Hour},
		Engine: EngineConfig{
			PageLimit:      25,
			Algorithm:      "home",
			CacheTTL:       Duration{5 * time.Minute},
			PacingDelay:    Duration{time.Second},
			ErrorThreshold: 3,
			MaxAttempts:    3,
			MaxBackoff:     Duration{30 * time.Second},
		},
		FeedFallback: FeedFallback{After: 3, Cooldown: Duration{5 * time.Minute}},
		Limits:       DefaultLimits(),
		Download: DownloadConfig{
			Dir:           path.Join(dataBase, "images"),
			MaxConcurrent: 8,
			MaxBytes:      20 << 20,
			Timeout:       Duration{10 * time.Second},
		},
		Server:  ServerConfig{Addr: ":5000", RateLimits: DefaultRateLimits()},
		Persona: DefaultPersona(),
	}
}

func DefaultPath() string {
	var xdgHome = os.Getenv("XDG_CONFIG_HOME")
	if xdgHome != "" {
		return path.Join(xdgHome, baseCfgPath)
	}

	var home = os.Getenv("HOME")
	if home != "" {
		return path.Join(home, ".config", baseCfgPath)
	}

	panic("unclear where to search for the config fie")
}
