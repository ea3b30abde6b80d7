package email

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// ControllerConfig tuning knobs for one account's sync loop
type ControllerConfig struct {
	// LookbackDays bounds the bootstrap search window
	LookbackDays int
	// BootstrapMax caps how many messages bootstrap will fetch, newest
	// first. Completeness is traded for bounded startup latency.
	BootstrapMax int
	// FetchBatch bounds how many messages are fetched per round trip
	FetchBatch int
	// PollInterval drives the fallback poll when IDLE is unavailable
	PollInterval time.Duration
}

// EmitFunc receives one normalized batch. Emission happens strictly after
// parsing and strictly before the batch's UIDs are acked on the server.
type EmitFunc func(batch []*models.Email)

// Controller drives bootstrap catch-up and continuous monitoring for one
// account over one mailbox session.
type Controller struct {
	mailbox    Mailbox
	normalizer *Normalizer
	account    *models.Account
	cfg        ControllerConfig
	emit       EmitFunc
	synced     func(time.Time)
	logger     *slog.Logger
}

// NewController creates a sync controller for one account
func NewController(mailbox Mailbox, normalizer *Normalizer, account *models.Account, cfg ControllerConfig, emit EmitFunc, logger *slog.Logger) *Controller {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 50
	}
	if cfg.BootstrapMax <= 0 {
		cfg.BootstrapMax = 50
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Controller{
		mailbox:    mailbox,
		normalizer: normalizer,
		account:    account,
		cfg:        cfg,
		emit:       emit,
		logger:     logger.With("account", account.Label),
	}
}

// SetSyncedHook registers a callback invoked after each successful sync pass
func (c *Controller) SetSyncedHook(fn func(time.Time)) {
	c.synced = fn
}

// Bootstrap performs the one-time catch-up fetch after a connection is
// established: a date-windowed search, capped to the most recent messages,
// fetched in sub-batches.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.mailbox.SelectInbox(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	since := time.Now().AddDate(0, 0, -c.cfg.LookbackDays)
	uids, err := c.mailbox.SearchSince(ctx, since)
	if err != nil {
		// Some servers reject date criteria; fall back to an unfiltered
		// search, the cap below still bounds the work.
		c.logger.Warn("date-windowed search failed, falling back to full search", "error", err)
		uids, err = c.mailbox.SearchAll(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap search: %w", err)
		}
	}

	uids = capRecent(uids, c.cfg.BootstrapMax)
	c.logger.Info("bootstrap sync", "messages", len(uids), "lookback_days", c.cfg.LookbackDays)

	for _, chunk := range chunks(uids, c.cfg.FetchBatch) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raws, err := c.mailbox.Fetch(ctx, chunk)
		if err != nil {
			return fmt.Errorf("bootstrap fetch: %w", err)
		}
		emails, _ := c.normalizer.NormalizeBatch(raws, c.account.Label, "INBOX")
		if len(emails) > 0 {
			c.emit(emails)
		}
	}

	c.markSynced()
	return nil
}

// Monitor watches for new mail until the context is cancelled or the
// session fails. It prefers server push (IDLE) and falls back to polling
// the unseen search on a fixed interval.
func (c *Controller) Monitor(ctx context.Context) error {
	// Catch anything that arrived between bootstrap and now
	if err := c.syncUnseen(ctx); err != nil {
		return err
	}

	if c.mailbox.SupportsIdle() {
		c.logger.Info("monitoring via IDLE")
		for {
			if err := c.mailbox.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if err := c.syncUnseen(ctx); err != nil {
				return err
			}
		}
	}

	c.logger.Info("IDLE unsupported, polling", "interval", c.cfg.PollInterval)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.syncUnseen(ctx); err != nil {
				return err
			}
		}
	}
}

// syncUnseen fetches unseen messages, emits them and acks exactly the UIDs
// whose parse succeeded. A crash between emit and ack re-delivers on the
// next pass; the store's dedup by message id makes that safe.
func (c *Controller) syncUnseen(ctx context.Context) error {
	uids, err := c.mailbox.SearchUnseen(ctx)
	if err != nil {
		return fmt.Errorf("unseen search: %w", err)
	}
	if len(uids) == 0 {
		c.markSynced()
		return nil
	}

	c.logger.Debug("new messages detected", "count", len(uids))
	for _, chunk := range chunks(uids, c.cfg.FetchBatch) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raws, err := c.mailbox.Fetch(ctx, chunk)
		if err != nil {
			return fmt.Errorf("unseen fetch: %w", err)
		}
		emails, okUIDs := c.normalizer.NormalizeBatch(raws, c.account.Label, "INBOX")
		if len(emails) > 0 {
			c.emit(emails)
		}
		if len(okUIDs) > 0 {
			if err := c.mailbox.MarkSeen(ctx, okUIDs); err != nil {
				return fmt.Errorf("mark seen: %w", err)
			}
		}
	}

	c.markSynced()
	return nil
}

func (c *Controller) markSynced() {
	if c.synced != nil {
		c.synced(time.Now())
	}
}

// capRecent keeps the n highest UIDs (the most recent messages), returned
// in ascending order.
func capRecent(uids []uint32, n int) []uint32 {
	if len(uids) <= n {
		return uids
	}
	sorted := make([]uint32, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)-n:]
}

func chunks(uids []uint32, size int) [][]uint32 {
	var out [][]uint32
	for len(uids) > size {
		out = append(out, uids[:size])
		uids = uids[size:]
	}
	if len(uids) > 0 {
		out = append(out, uids)
	}
	return out
}
