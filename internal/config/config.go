package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/outbox.db"`

	// Accounts: comma-separated "label:user@host" pairs; passwords come from
	// OUTBOX_PASSWORD_<LABEL> variables so credentials never sit in one string.
	Accounts string `env:"IMAP_ACCOUNTS"`

	// Sync engine
	LookbackDays    int           `env:"SYNC_LOOKBACK_DAYS" envDefault:"30"`
	BootstrapMax    int           `env:"SYNC_BOOTSTRAP_MAX" envDefault:"50"`
	FetchBatchSize  int           `env:"SYNC_FETCH_BATCH" envDefault:"50"`
	PollInterval    time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"30s"`
	ReconnectDelay  time.Duration `env:"SYNC_RECONNECT_DELAY" envDefault:"5s"`
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"60s"`
	IMAPAuthTimeout time.Duration `env:"IMAP_AUTH_TIMEOUT" envDefault:"30s"`
	IMAPIdleTimeout time.Duration `env:"IMAP_IDLE_TIMEOUT" envDefault:"25m"`

	// Pipeline
	PipelineWorkers int           `env:"PIPELINE_WORKERS" envDefault:"4"`
	PipelineBuffer  int           `env:"PIPELINE_BUFFER" envDefault:"256"`
	ClassifyTimeout time.Duration `env:"CLASSIFY_TIMEOUT" envDefault:"10s"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`

	// Notifications (both optional)
	WebhookURL     string `env:"NOTIFY_WEBHOOK_URL"`
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if the telegram channel is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.BootstrapMax <= 0 {
		return nil, fmt.Errorf("SYNC_BOOTSTRAP_MAX must be positive, got %d", cfg.BootstrapMax)
	}
	if cfg.FetchBatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_FETCH_BATCH must be positive, got %d", cfg.FetchBatchSize)
	}
	if cfg.PipelineWorkers <= 0 {
		return nil, fmt.Errorf("PIPELINE_WORKERS must be positive, got %d", cfg.PipelineWorkers)
	}

	return cfg, nil
}

// AccountSpec one parsed entry from IMAP_ACCOUNTS
type AccountSpec struct {
	Label string
	User  string
}

// ParseAccounts splits the IMAP_ACCOUNTS value into specs
func (c *Config) ParseAccounts() ([]AccountSpec, error) {
	if strings.TrimSpace(c.Accounts) == "" {
		return nil, nil
	}

	var specs []AccountSpec
	for _, entry := range strings.Split(c.Accounts, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label, user, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid account entry %q, want label:user@host", entry)
		}
		specs = append(specs, AccountSpec{Label: label, User: user})
	}
	return specs, nil
}
