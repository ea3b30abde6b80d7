package email

import (
	"log/slog"
	"sync"
	"time"
)

// Supervisor schedules reconnection attempts with a fixed delay, keeping at
// most one pending timer per account. A loss event reported while a timer
// is already pending cancels it and restarts the delay. Retries continue
// until shutdown or success.
type Supervisor struct {
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewSupervisor creates a reconnect supervisor
func NewSupervisor(delay time.Duration, logger *slog.Logger) *Supervisor {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Supervisor{
		delay:  delay,
		logger: logger.With("component", "reconnect_supervisor"),
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the reconnect timer for an account. After the
// delay, attempt runs on the timer goroutine; on failure the attempt is
// expected to call Schedule again.
func (s *Supervisor) Schedule(accountID string, attempt func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[accountID]; ok {
		t.Stop()
		s.logger.Debug("rescheduling pending reconnect", "account_id", accountID)
	}

	s.timers[accountID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, accountID)
		s.mu.Unlock()
		attempt()
	})
	s.logger.Debug("reconnect scheduled", "account_id", accountID, "delay", s.delay)
}

// Cancel drops the pending timer for an account, if any
func (s *Supervisor) Cancel(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[accountID]; ok {
		t.Stop()
		delete(s.timers, accountID)
	}
}

// Shutdown cancels every pending timer and refuses further scheduling
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of armed timers
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
