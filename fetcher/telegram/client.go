package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	tdauth "github.com/gotd/td/telegram/auth"
)

// ClientRunner is a function that runs with an authenticated client
type ClientRunner func(ctx context.Context, client *telegram.Client) error

// Account identifies the Telegram application and user session
type Account struct {
	ConfigDir   string // Holds telegram-session.json
	AppID       int
	AppHash     string
	PhoneNumber string
}

// RunWithAuth creates a Telegram client, authenticates it, and runs the provided function
func RunWithAuth(ctx context.Context, account Account, runner ClientRunner) error {
	sessionStorage := &session.FileStorage{
		Path: filepath.Join(account.ConfigDir, "telegram-session.json"),
	}

	waiter := floodwait.NewWaiter().WithCallback(func(ctx context.Context, wait floodwait.FloodWait) {
		slog.Warn("telegram rate limit", "retry_after", wait.Duration)
	})

	// gotd logs through zap, keep it at warn so it does not drown slog output
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	client := telegram.NewClient(account.AppID, account.AppHash, telegram.Options{
		SessionStorage: sessionStorage,
		Logger:         logger,
		Middlewares:    []telegram.Middleware{waiter},
	})

	flow := tdauth.NewFlow(
		NewTerminalAuthenticator(account.PhoneNumber),
		tdauth.SendCodeOptions{},
	)

	return waiter.Run(ctx, func(ctx context.Context) error {
		err := client.Run(ctx, func(ctx context.Context) error {
			if err := client.Auth().IfNecessary(ctx, flow); err != nil {
				return fmt.Errorf("failed to authenticate with %w", err)
			}

			self, err := client.Self(ctx)
			if err != nil {
				return fmt.Errorf("failed to get self info with %w", err)
			}

			name := self.FirstName
			if self.Username != "" {
				name = fmt.Sprintf("%s (@%s)", name, self.Username)
			}
			slog.Debug("telegram authenticated", "as", name)

			return runner(ctx, client)
		})
		if err != nil {
			slog.Error("telegram client run failed", "error", err)
		}
		return err
	})
}
