package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const baseCredPath = "skyfeed/creds.toml"

// Credentials holds all application credentials
type Credentials struct {
	Bluesky  BlueskyCredentials  `toml:"bluesky"`
	Telegram TelegramCredentials `toml:"telegram"`
	Gemini   GeminiCredentials   `toml:"gemini"`
}

// BlueskyCredentials holds an account handle and its app password
type BlueskyCredentials struct {
	Handle   string `toml:"handle"`
	Password string `toml:"password"` // App password, never the main account password
	Service  string `toml:"service"`  // PDS base URL, defaults to https://bsky.social
}

// IsValid checks if bluesky credentials are fully populated
func (bc BlueskyCredentials) IsValid() bool {
	return bc.Handle != "" && bc.Password != ""
}

// TelegramCredentials holds Telegram API credentials
type TelegramCredentials struct {
	AppID       int    `toml:"api_id"`
	AppHash     string `toml:"api_hash"`
	PhoneNumber string `toml:"phone"`
}

// IsValid checks if telegram credentials are fully populated
func (tc TelegramCredentials) IsValid() bool {
	return tc.AppID != 0 && tc.AppHash != "" && tc.PhoneNumber != ""
}

// GeminiCredentials holds Google Gemini API credentials
type GeminiCredentials struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"` // e.g., "gemini-2.0-flash-exp"
}

// IsValid checks if Gemini credentials are fully populated
func (gc GeminiCredentials) IsValid() bool {
	return gc.APIKey != "" && gc.Model != ""
}

// ReadCredentials reads credentials from the specified path
func ReadCredentials(path string) (Credentials, error) {
	var creds Credentials

	data, err := os.ReadFile(path)
	if err != nil {
		return creds, err
	}

	if _, err := toml.Decode(string(data), &creds); err != nil {
		return creds, fmt.Errorf("failed to decode credentials at %s with %w", path, err)
	}

	return creds, nil
}

// LoadEnv loads a .env file from the working directory when present
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// WithEnv fills every empty secret from the environment.
// File values take precedence over environment values.
func (c Credentials) WithEnv() Credentials {
	setFromEnv(&c.Bluesky.Handle, "BLUESKY_HANDLE")
	setFromEnv(&c.Bluesky.Password, "BLUESKY_PASSWORD")
	setFromEnv(&c.Bluesky.Service, "BLUESKY_SERVICE")
	setFromEnv(&c.Gemini.APIKey, "GEMINI_API_KEY")
	setFromEnv(&c.Gemini.Model, "GEMINI_MODEL")
	setFromEnv(&c.Telegram.AppHash, "TELEGRAM_API_HASH")
	setFromEnv(&c.Telegram.PhoneNumber, "TELEGRAM_PHONE")
	if c.Telegram.AppID == 0 {
		if id, err := strconv.Atoi(os.Getenv("TELEGRAM_API_ID")); err == nil {
			c.Telegram.AppID = id
		}
	}
	return c
}

// LoadCredentials reads the credentials file and applies the environment fallback.
// A missing file is not an error.
func LoadCredentials(path string) (Credentials, error) {
	creds, err := ReadCredentials(path)
	if err != nil && !os.IsNotExist(err) {
		return creds, err
	}
	return creds.WithEnv(), nil
}

func setFromEnv(dst *string, key string) {
	if *dst != "" {
		return
	}
	*dst = os.Getenv(key)
}

// WriteCredentials writes credentials to the specified path
func WriteCredentials(path string, creds Credentials) error {
	blob, err := toml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials with %w", err)
	}

	basePath := filepath.Dir(path)
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return fmt.Errorf("failed to create credentials directory at '%s': %w", basePath, err)
	}

	// Write with restrictive permissions (only owner can read/write)
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file at '%s': %w", path, err)
	}

	return nil
}

// DefaultCredentialsPath returns the default path for credentials file
func DefaultCredentialsPath() string {
	var xdgHome = os.Getenv("XDG_CONFIG_HOME")
	if xdgHome != "" {
		return filepath.Join(xdgHome, baseCredPath)
	}

	var home = os.Getenv("HOME")
	if home != "" {
		return filepath.Join(home, ".config", baseCredPath)
	}

	panic("unable to determine credentials file path")
}

// PromptTelegramCredentials asks for the Telegram API application and the
// account phone number. Prompts go to out so stdout stays machine readable.
func PromptTelegramCredentials(in io.Reader, out io.Writer) (TelegramCredentials, error) {
	var creds TelegramCredentials

	fmt.Fprintln(out, "Telegram credentials not found. Create an application under")
	fmt.Fprintln(out, "'API development tools' at https://my.telegram.org and enter its values.")

	reader := bufio.NewReader(in)
	ask := func(label string) (string, error) {
		fmt.Fprintf(out, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read %s with %w", label, err)
		}
		return strings.TrimSpace(line), nil
	}

	rawID, err := ask("API ID")
	if err != nil {
		return creds, err
	}
	if creds.AppID, err = strconv.Atoi(rawID); err != nil {
		return creds, fmt.Errorf("invalid API ID %q", rawID)
	}
	if creds.AppHash, err = ask("API hash"); err != nil {
		return creds, err
	}
	if creds.PhoneNumber, err = ask("Phone number (international format, e.g. +1234567890)"); err != nil {
		return creds, err
	}

	if !creds.IsValid() {
		return creds, fmt.Errorf("all telegram credential fields are required")
	}
	fmt.Fprintln(out, "A login code will be sent to your Telegram account next.")
	return creds, nil
}

// LoadOrPromptTelegramCredentials returns the stored Telegram credentials or
// asks for them on the terminal and stores them in credPath
func LoadOrPromptTelegramCredentials(credPath string) (TelegramCredentials, error) {
	creds, err := LoadCredentials(credPath)
	if err == nil && creds.Telegram.IsValid() {
		return creds.Telegram, nil
	}

	telegramCreds, err := PromptTelegramCredentials(os.Stdin, os.Stderr)
	if err != nil {
		return TelegramCredentials{}, err
	}

	// Environment-only secrets are not persisted
	fileCreds, _ := ReadCredentials(credPath)
	fileCreds.Telegram = telegramCreds
	if err := WriteCredentials(credPath, fileCreds); err != nil {
		return telegramCreds, fmt.Errorf("failed to save credentials with %w", err)
	}
	slog.Info("telegram credentials saved", "path", credPath)
	return telegramCreds, nil
}
