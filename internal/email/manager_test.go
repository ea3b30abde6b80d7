package email

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rishik-ashili/email-outbox/internal/config"
	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// fakeSession is a scripted session for manager tests
type fakeSession struct {
	*fakeMailbox

	mu          sync.Mutex
	connectErrs []error
	connectGate chan struct{}
	connects    int
	closes      int
}

func newFakeSession() *fakeSession {
	return &fakeSession{fakeMailbox: newFakeMailbox()}
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connects++
	gate := s.connectGate
	var err error
	if len(s.connectErrs) > 0 {
		err = s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

func (s *fakeSession) IsConnected() bool { return true }

func (s *fakeSession) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func testManagerConfig() *config.Config {
	return &config.Config{
		LookbackDays:    1,
		BootstrapMax:    50,
		FetchBatchSize:  50,
		PollInterval:    10 * time.Millisecond,
		ReconnectDelay:  30 * time.Millisecond,
		IMAPDialTimeout: time.Second,
		IMAPAuthTimeout: time.Second,
		IMAPIdleTimeout: time.Minute,
	}
}

func newTestManager(sess *fakeSession) *Manager {
	m := NewManager(testManagerConfig(), testLogger())
	m.newSession = func(*models.Account) session { return sess }
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestAddAccountAuthFailureDoesNotRegister(t *testing.T) {
	sess := newFakeSession()
	sess.connectErrs = []error{ErrAuthFailed}
	m := newTestManager(sess)
	defer m.Shutdown()

	err := m.AddAccount(context.Background(), testAccount())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Expected ErrAuthFailed, got %v", err)
	}

	// A failed registration must not enter the reconnect loop
	if m.supervisor.Pending() != 0 {
		t.Errorf("Expected no pending reconnects, got %d", m.supervisor.Pending())
	}
	if len(m.List()) != 0 {
		t.Errorf("Expected empty registry, got %d accounts", len(m.List()))
	}
	time.Sleep(100 * time.Millisecond)
	if got := sess.connectCount(); got != 1 {
		t.Errorf("Expected exactly 1 connect attempt, got %d", got)
	}
}

func TestManagerSyncsAndReconnects(t *testing.T) {
	sess := newFakeSession()
	sess.supportsIdle = true
	sess.allUIDs = []uint32{1}
	m := newTestManager(sess)
	defer m.Shutdown()

	batches := make(chan int, 10)
	lost := make(chan error, 10)
	restored := make(chan string, 10)
	m.SetBatchHandler(func(accountID string, batch []*models.Email) {
		batches <- len(batch)
	})
	m.SetConnectionLostHandler(func(accountID string, err error) { lost <- err })
	m.SetConnectionRestoredHandler(func(accountID string) { restored <- accountID })

	account := testAccount()
	if err := m.AddAccount(context.Background(), account); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	select {
	case n := <-batches:
		if n != 1 {
			t.Errorf("Expected bootstrap batch of 1, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bootstrap batch")
	}

	waitFor(t, "monitoring state", func() bool {
		st, ok := m.Status(account.ID)
		return ok && st.State == models.StateMonitoring
	})
	st, _ := m.Status(account.ID)
	if st.LastSync.IsZero() {
		t.Error("Expected last-sync timestamp after bootstrap")
	}
	if account.LastSync.IsZero() {
		t.Error("Expected account record updated with last-sync timestamp")
	}

	// Session failure after establishment: handled by reconnect, never
	// surfaced as an API error
	sess.waitCh <- errors.New("connection reset by peer")

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connectionLost event")
	}

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connectionRestored event")
	}
	if got := sess.connectCount(); got != 2 {
		t.Errorf("Expected 2 connects after reconnect, got %d", got)
	}

	// Bootstrap re-runs after reconnect
	select {
	case <-batches:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for post-reconnect batch")
	}
}

func TestManagerKeepsRetryingFailedReconnects(t *testing.T) {
	sess := newFakeSession()
	sess.supportsIdle = true
	m := newTestManager(sess)
	defer m.Shutdown()

	account := testAccount()
	if err := m.AddAccount(context.Background(), account); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	// Two reconnect attempts fail before the third succeeds
	sess.mu.Lock()
	sess.connectErrs = []error{ErrUnreachable, ErrUnreachable}
	sess.mu.Unlock()
	sess.waitCh <- errors.New("broken pipe")

	waitFor(t, "retries until success", func() bool {
		return sess.connectCount() >= 4
	})
	waitFor(t, "monitoring state after recovery", func() bool {
		st, ok := m.Status(account.ID)
		return ok && st.State == models.StateMonitoring
	})
}

func TestRemoveAccountTearsDownConnection(t *testing.T) {
	sess := newFakeSession()
	sess.supportsIdle = true
	m := newTestManager(sess)
	defer m.Shutdown()

	account := testAccount()
	if err := m.AddAccount(context.Background(), account); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	if err := m.RemoveAccount(account.ID); err != nil {
		t.Fatalf("RemoveAccount failed: %v", err)
	}
	if _, ok := m.Status(account.ID); ok {
		t.Error("Expected account gone from registry")
	}
	if err := m.RemoveAccount(account.ID); err == nil {
		t.Error("Expected error removing unknown account")
	}

	sess.mu.Lock()
	closes := sess.closes
	sess.mu.Unlock()
	if closes == 0 {
		t.Error("Expected connection closed on removal")
	}
}

func TestShutdownDuringReconnectDial(t *testing.T) {
	sess := newFakeSession()
	sess.supportsIdle = true
	m := newTestManager(sess)

	account := testAccount()
	if err := m.AddAccount(context.Background(), account); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	restored := make(chan string, 1)
	m.SetConnectionRestoredHandler(func(accountID string) { restored <- accountID })

	// The reconnect dial blocks on the gate so shutdown can begin while it
	// is still in flight
	gate := make(chan struct{})
	sess.mu.Lock()
	sess.connectGate = gate
	sess.mu.Unlock()

	sess.waitCh <- errors.New("connection reset")
	waitFor(t, "reconnect dial in flight", func() bool {
		return sess.connectCount() >= 2
	})

	m.Shutdown()
	closesAtShutdown := sess.closeCount()
	close(gate)

	// The dial succeeded after shutdown: the fresh session must be closed,
	// not handed to a new runner
	waitFor(t, "stale session closed", func() bool {
		return sess.closeCount() > closesAtShutdown
	})

	select {
	case <-restored:
		t.Error("connectionRestored must not fire after shutdown")
	case <-time.After(100 * time.Millisecond):
	}
	if got := sess.connectCount(); got != 2 {
		t.Errorf("Expected no further connects after shutdown, got %d", got)
	}
}

func TestShutdownQuiescence(t *testing.T) {
	sess := newFakeSession()
	sess.supportsIdle = true
	m := newTestManager(sess)

	account := testAccount()
	if err := m.AddAccount(context.Background(), account); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	lost := make(chan error, 1)
	m.SetConnectionLostHandler(func(accountID string, err error) { lost <- err })

	// Loss event already in flight when shutdown begins
	sess.waitCh <- errors.New("connection reset")
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for loss event")
	}

	before := sess.connectCount()
	m.Shutdown()

	if m.supervisor.Pending() != 0 {
		t.Errorf("Expected no pending reconnect timers, got %d", m.supervisor.Pending())
	}

	// No reconnection attempts after shutdown, even though the reconnect
	// timer was already armed
	time.Sleep(150 * time.Millisecond)
	if got := sess.connectCount(); got != before {
		t.Errorf("Expected no reconnects after shutdown, got %d new", got-before)
	}

	if err := m.AddAccount(context.Background(), testAccount()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}
