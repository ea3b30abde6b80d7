package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/rishik-ashili/email-outbox/internal/classify"
	"github.com/rishik-ashili/email-outbox/internal/config"
	"github.com/rishik-ashili/email-outbox/internal/database"
	"github.com/rishik-ashili/email-outbox/internal/email"
	"github.com/rishik-ashili/email-outbox/internal/notify"
	"github.com/rishik-ashili/email-outbox/internal/parser"
	"github.com/rishik-ashili/email-outbox/internal/pipeline"
	"github.com/rishik-ashili/email-outbox/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail sync engine")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Notification channels
	var channels []notify.Channel
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL))
		logger.Info("webhook notifications enabled")
	}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramChannel(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Error("failed to create telegram channel", "error", err)
			os.Exit(1)
		}
		channels = append(channels, tg)
		logger.Info("telegram notifications enabled", "chat_id", cfg.TelegramChatID)
	}

	// Processing pipeline
	pipe := pipeline.New(pipeline.Deps{
		Classifier:      classify.NewKeywordClassifier(),
		Store:           db,
		ContextIndex:    db,
		Notifier:        notify.New(logger, channels...),
		HTMLParser:      parser.NewHTMLParser(),
		Logger:          logger,
		Workers:         cfg.PipelineWorkers,
		Buffer:          cfg.PipelineBuffer,
		ClassifyTimeout: cfg.ClassifyTimeout,
		NotifyTimeout:   cfg.NotifyTimeout,
	})
	pipe.SetCategorizedHandler(func(e *models.Email, category models.Category) {
		logger.Info("email categorized",
			"account", e.AccountLabel,
			"from", e.Sender().Address,
			"subject", e.Subject,
			"category", category,
		)
	})

	pipeCtx, cancelPipe := context.WithCancel(ctx)
	pipe.Start(pipeCtx)

	// Sync engine
	manager := email.NewManager(cfg, logger)
	manager.SetBatchHandler(func(accountID string, batch []*models.Email) {
		pipe.Submit(pipeCtx, batch)
	})
	manager.SetConnectionLostHandler(func(accountID string, err error) {
		logger.Warn("account disconnected", "account_id", accountID, "error", err)
	})
	manager.SetConnectionRestoredHandler(func(accountID string) {
		logger.Info("account reconnected", "account_id", accountID)
	})

	if err := registerAccounts(ctx, cfg, manager, logger); err != nil {
		logger.Error("failed to register accounts", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("sync engine is running, press Ctrl+C to stop")
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	manager.Shutdown()
	pipe.Close()
	cancelPipe()

	logger.Info("sync engine stopped")
}

// registerAccounts connects every configured account. A single account that
// fails to connect is reported and skipped, the rest keep running.
func registerAccounts(ctx context.Context, cfg *config.Config, manager *email.Manager, logger *slog.Logger) error {
	specs, err := cfg.ParseAccounts()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		logger.Warn("no accounts configured, set IMAP_ACCOUNTS")
		return nil
	}

	for _, spec := range specs {
		password := os.Getenv("OUTBOX_PASSWORD_" + strings.ToUpper(spec.Label))
		if password == "" {
			logger.Error("no password configured for account", "account", spec.Label)
			continue
		}

		host, port, err := email.ResolveIMAPServer(spec.User)
		if err != nil {
			logger.Error("failed to resolve IMAP server", "account", spec.Label, "error", err)
			continue
		}

		account := &models.Account{
			ID:    uuid.NewString(),
			Label: spec.Label,
			User:  spec.User,
			Host:  host,
			Port:  port,
			TLS:   true,
			Session: models.SessionConfig{
				Password:    password,
				DialTimeout: cfg.IMAPDialTimeout,
				AuthTimeout: cfg.IMAPAuthTimeout,
			},
		}

		if err := manager.AddAccount(ctx, account); err != nil {
			switch {
			case errors.Is(err, email.ErrAuthFailed):
				logger.Error("authentication failed, check credentials", "account", spec.Label)
			case errors.Is(err, email.ErrUnreachable):
				logger.Error("server unreachable", "account", spec.Label, "server", fmt.Sprintf("%s:%d", host, port))
			default:
				logger.Error("failed to add account", "account", spec.Label, "error", err)
			}
			continue
		}
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
