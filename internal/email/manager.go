package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rishik-ashili/email-outbox/internal/config"
	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// BatchHandler receives normalized batches from any account
type BatchHandler func(accountID string, batch []*models.Email)

// ErrShuttingDown is returned by AddAccount once shutdown has begun
var ErrShuttingDown = errors.New("sync engine is shutting down")

// session is what the manager needs from an account connection. *Client is
// the production implementation.
type session interface {
	Mailbox
	Connect(ctx context.Context) error
	Close()
	IsConnected() bool
}

// AccountStatus snapshot for health/status reporting
type AccountStatus struct {
	ID       string
	Label    string
	State    models.ConnectionState
	LastSync time.Time
}

// Manager is the in-memory account registry: it owns every account's
// connection, sync controller and reconnect schedule.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	supervisor *Supervisor
	normalizer *Normalizer

	onBatch    BatchHandler
	onLost     func(accountID string, err error)
	onRestored func(accountID string)

	// replaced in tests
	newSession func(*models.Account) session

	mu           sync.Mutex
	runners      map[string]*runner
	shuttingDown bool

	wg sync.WaitGroup
}

type runner struct {
	account    *models.Account
	sess       session
	controller *Controller
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	state    models.ConnectionState
	lastSync time.Time
}

func (r *runner) setState(s models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == models.StateShuttingDown {
		// terminal, suppresses all further transitions
		return
	}
	r.state = s
}

func (r *runner) markShuttingDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = models.StateShuttingDown
}

func (r *runner) getState() models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) setLastSync(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync = t
	r.account.LastSync = t
}

func (r *runner) getLastSync() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

// NewManager creates the account registry
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "email_manager"),
		supervisor: NewSupervisor(cfg.ReconnectDelay, logger),
		normalizer: NewNormalizer(logger),
		runners:    make(map[string]*runner),
	}
	m.newSession = func(account *models.Account) session {
		return NewClient(account, cfg.IMAPIdleTimeout, logger)
	}
	return m
}

// SetBatchHandler sets the handler for normalized batches
func (m *Manager) SetBatchHandler(handler BatchHandler) {
	m.onBatch = handler
}

// SetConnectionLostHandler sets the handler for connectionLost events
func (m *Manager) SetConnectionLostHandler(handler func(accountID string, err error)) {
	m.onLost = handler
}

// SetConnectionRestoredHandler sets the handler for connectionRestored events
func (m *Manager) SetConnectionRestoredHandler(handler func(accountID string)) {
	m.onRestored = handler
}

// AddAccount connects an account and starts its sync loop. The first
// connect is synchronous: authentication and network failures surface to
// the caller as typed errors and never enter the reconnect loop.
func (m *Manager) AddAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := m.runners[account.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("account %q already registered", account.Label)
	}
	m.mu.Unlock()

	sess := m.newSession(account)
	rctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		account: account,
		sess:    sess,
		ctx:     rctx,
		cancel:  cancel,
		state:   models.StateConnecting,
	}

	if err := sess.Connect(ctx); err != nil {
		cancel()
		return err
	}

	r.controller = NewController(sess, m.normalizer, account, ControllerConfig{
		LookbackDays: m.cfg.LookbackDays,
		BootstrapMax: m.cfg.BootstrapMax,
		FetchBatch:   m.cfg.FetchBatchSize,
		PollInterval: m.cfg.PollInterval,
	}, func(batch []*models.Email) {
		if m.onBatch != nil {
			m.onBatch(account.ID, batch)
		}
	}, m.logger)
	r.controller.SetSyncedHook(r.setLastSync)

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		cancel()
		sess.Close()
		return ErrShuttingDown
	}
	if _, exists := m.runners[account.ID]; exists {
		m.mu.Unlock()
		cancel()
		sess.Close()
		return fmt.Errorf("account %q already registered", account.Label)
	}
	m.runners[account.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(r)

	m.logger.Info("account registered", "account", account.Label, "account_id", account.ID)
	return nil
}

// run drives one established session through bootstrap and monitoring
func (m *Manager) run(r *runner) {
	defer m.wg.Done()

	r.setState(models.StateSyncing)
	if err := r.controller.Bootstrap(r.ctx); err != nil {
		m.handleLoss(r, err)
		return
	}

	r.setState(models.StateMonitoring)
	err := r.controller.Monitor(r.ctx)
	m.handleLoss(r, err)
}

// handleLoss is the recoverable-by-reconnect path: any failure after a
// session was live lands here, never in an API error.
func (m *Manager) handleLoss(r *runner, err error) {
	if r.ctx.Err() != nil || m.isShuttingDown() {
		r.setState(models.StateDisconnected)
		return
	}

	m.logger.Warn("connection lost", "account", r.account.Label, "error", err)
	r.setState(models.StateReconnecting)
	if m.onLost != nil {
		m.onLost(r.account.ID, err)
	}

	r.sess.Close()
	m.supervisor.Schedule(r.account.ID, func() { m.attemptReconnect(r) })
}

func (m *Manager) attemptReconnect(r *runner) {
	if r.ctx.Err() != nil || m.isShuttingDown() {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, m.cfg.IMAPDialTimeout)
	err := r.sess.Connect(ctx)
	cancel()
	if err != nil {
		m.logger.Warn("reconnect attempt failed", "account", r.account.Label, "error", err)
		m.supervisor.Schedule(r.account.ID, func() { m.attemptReconnect(r) })
		return
	}

	// Shutdown or removal may have begun while the dial was in flight; the
	// fresh session must not outlive the account it belongs to.
	if r.ctx.Err() != nil || m.isShuttingDown() {
		r.sess.Close()
		return
	}

	m.logger.Info("connection restored", "account", r.account.Label)
	if m.onRestored != nil {
		m.onRestored(r.account.ID)
	}

	m.wg.Add(1)
	go m.run(r)
}

// RemoveAccount tears down one account: pending reconnects are cancelled
// and the connection is closed gracefully.
func (m *Manager) RemoveAccount(accountID string) error {
	m.mu.Lock()
	r, ok := m.runners[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown account %q", accountID)
	}
	delete(m.runners, accountID)
	m.mu.Unlock()

	m.supervisor.Cancel(accountID)
	r.markShuttingDown()
	r.cancel()
	r.sess.Close()

	m.logger.Info("account removed", "account", r.account.Label, "account_id", accountID)
	return nil
}

// Status returns the status snapshot for one account
func (m *Manager) Status(accountID string) (AccountStatus, bool) {
	m.mu.Lock()
	r, ok := m.runners[accountID]
	m.mu.Unlock()
	if !ok {
		return AccountStatus{}, false
	}
	return AccountStatus{
		ID:       r.account.ID,
		Label:    r.account.Label,
		State:    r.getState(),
		LastSync: r.getLastSync(),
	}, true
}

// List returns status snapshots for every registered account
func (m *Manager) List() []AccountStatus {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	out := make([]AccountStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, AccountStatus{
			ID:       r.account.ID,
			Label:    r.account.Label,
			State:    r.getState(),
			LastSync: r.getLastSync(),
		})
	}
	return out
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown cancels all pending reconnect timers, closes every live
// connection and waits for each runner to acknowledge closure.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down sync engine", "accounts", len(runners))
	m.supervisor.Shutdown()

	for _, r := range runners {
		r.markShuttingDown()
		r.cancel()
		r.sess.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	m.logger.Info("sync engine stopped")
}
