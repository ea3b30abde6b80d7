package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// fakeMailbox is a scripted Mailbox for controller tests
type fakeMailbox struct {
	mu sync.Mutex

	allUIDs      []uint32
	sinceErr     error
	unseenUIDs   []uint32
	malformed    map[uint32]bool
	bodies       map[uint32][]byte
	supportsIdle bool
	waitCh       chan error

	sinceCalls  int
	allCalls    int
	fetchCalls  [][]uint32
	seenCalls   [][]uint32
	eventLog    []string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		malformed: make(map[uint32]bool),
		bodies:    make(map[uint32][]byte),
		waitCh:    make(chan error, 1),
	}
}

func (f *fakeMailbox) SelectInbox(ctx context.Context) error { return nil }

func (f *fakeMailbox) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCalls++
	if f.sinceErr != nil {
		return nil, f.sinceErr
	}
	return append([]uint32(nil), f.allUIDs...), nil
}

func (f *fakeMailbox) SearchAll(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	return append([]uint32(nil), f.allUIDs...), nil
}

func (f *fakeMailbox) SearchUnseen(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uids := f.unseenUIDs
	f.unseenUIDs = nil
	return uids, nil
}

func (f *fakeMailbox) Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls = append(f.fetchCalls, append([]uint32(nil), uids...))
	var raws []RawMessage
	for _, uid := range uids {
		raw := RawMessage{UID: uid}
		if body, ok := f.bodies[uid]; ok {
			raw.Body = body
		} else if !f.malformed[uid] {
			raw.Body = plainMessage(fmt.Sprintf("<%d@example.com>", uid), "subject", "body")
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func (f *fakeMailbox) MarkSeen(ctx context.Context, uids []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenCalls = append(f.seenCalls, append([]uint32(nil), uids...))
	f.eventLog = append(f.eventLog, "mark_seen")
	return nil
}

func (f *fakeMailbox) SupportsIdle() bool { return f.supportsIdle }

func (f *fakeMailbox) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.waitCh:
		return err
	}
}

func (f *fakeMailbox) logEmit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventLog = append(f.eventLog, "emit")
}

func testAccount() *models.Account {
	return &models.Account{ID: "acc-1", Label: "work", User: "a@example.com", Host: "imap.example.com", Port: 993}
}

func newTestController(mb Mailbox, cfg ControllerConfig, emit EmitFunc) *Controller {
	return NewController(mb, NewNormalizer(testLogger()), testAccount(), cfg, emit, testLogger())
}

func TestBootstrapCapsToMostRecent(t *testing.T) {
	mb := newFakeMailbox()
	for i := 1; i <= 120; i++ {
		mb.allUIDs = append(mb.allUIDs, uint32(i))
	}

	var emitted []*models.Email
	c := newTestController(mb, ControllerConfig{BootstrapMax: 50, FetchBatch: 50}, func(batch []*models.Email) {
		emitted = append(emitted, batch...)
	})

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if len(emitted) != 50 {
		t.Fatalf("Expected exactly 50 emitted emails, got %d", len(emitted))
	}
	// The cap must keep the most recent messages (highest UIDs)
	for _, e := range emitted {
		if e.UID <= 70 {
			t.Errorf("Expected only uids 71..120, got %d", e.UID)
		}
	}
}

func TestBootstrapFetchesInSubBatches(t *testing.T) {
	mb := newFakeMailbox()
	for i := 1; i <= 30; i++ {
		mb.allUIDs = append(mb.allUIDs, uint32(i))
	}

	var batches int
	c := newTestController(mb, ControllerConfig{BootstrapMax: 50, FetchBatch: 10}, func(batch []*models.Email) {
		batches++
		if len(batch) > 10 {
			t.Errorf("Batch exceeds fetch batch size: %d", len(batch))
		}
	})

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if len(mb.fetchCalls) != 3 {
		t.Errorf("Expected 3 fetch round trips, got %d", len(mb.fetchCalls))
	}
	if batches != 3 {
		t.Errorf("Expected 3 emitted groups, got %d", batches)
	}
}

func TestBootstrapFallsBackToFullSearch(t *testing.T) {
	mb := newFakeMailbox()
	mb.sinceErr = errors.New("SEARCH SINCE not supported")
	mb.allUIDs = []uint32{1, 2, 3}

	var emitted int
	c := newTestController(mb, ControllerConfig{}, func(batch []*models.Email) {
		emitted += len(batch)
	})

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if mb.allCalls != 1 {
		t.Errorf("Expected fallback to unfiltered search, got %d calls", mb.allCalls)
	}
	if emitted != 3 {
		t.Errorf("Expected 3 emails, got %d", emitted)
	}
}

func TestSyncUnseenSkipsMalformedAndAcksRest(t *testing.T) {
	mb := newFakeMailbox()
	for i := 1; i <= 50; i++ {
		mb.unseenUIDs = append(mb.unseenUIDs, uint32(i))
	}
	mb.malformed[7] = true

	var emitted []*models.Email
	c := newTestController(mb, ControllerConfig{FetchBatch: 50}, func(batch []*models.Email) {
		mb.logEmit()
		emitted = append(emitted, batch...)
	})

	if err := c.syncUnseen(context.Background()); err != nil {
		t.Fatalf("syncUnseen failed: %v", err)
	}

	if len(emitted) != 49 {
		t.Errorf("Expected 49 emails, got %d", len(emitted))
	}
	if len(mb.seenCalls) != 1 || len(mb.seenCalls[0]) != 49 {
		t.Fatalf("Expected 49 uids acked, got %+v", mb.seenCalls)
	}
	for _, uid := range mb.seenCalls[0] {
		if uid == 7 {
			t.Error("Malformed message must not be marked seen")
		}
	}

	// Flags are only updated after the batch has been emitted
	if len(mb.eventLog) != 2 || mb.eventLog[0] != "emit" || mb.eventLog[1] != "mark_seen" {
		t.Errorf("Expected emit before mark_seen, got %v", mb.eventLog)
	}
}

func TestMonitorIdleWakesOnNewMail(t *testing.T) {
	mb := newFakeMailbox()
	mb.supportsIdle = true
	mb.unseenUIDs = []uint32{10}

	emitted := make(chan int, 10)
	c := newTestController(mb, ControllerConfig{FetchBatch: 50}, func(batch []*models.Email) {
		emitted <- len(batch)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Monitor(ctx) }()

	// The initial unseen pass catches the message that arrived before IDLE
	select {
	case n := <-emitted:
		if n != 1 {
			t.Errorf("Expected 1 email, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for initial unseen pass")
	}

	// A new-mail wake triggers another unseen pass
	mb.mu.Lock()
	mb.unseenUIDs = []uint32{11, 12}
	mb.mu.Unlock()
	mb.waitCh <- nil

	select {
	case n := <-emitted:
		if n != 2 {
			t.Errorf("Expected 2 emails, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for wake-triggered pass")
	}

	// A session failure surfaces so the reconnect path can take over
	mb.waitCh <- errors.New("connection reset")
	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected Monitor to return the session error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Monitor to return")
	}
}

func TestMonitorPollsWithoutIdle(t *testing.T) {
	mb := newFakeMailbox()
	mb.supportsIdle = false

	emitted := make(chan int, 10)
	c := newTestController(mb, ControllerConfig{FetchBatch: 50, PollInterval: 10 * time.Millisecond}, func(batch []*models.Email) {
		emitted <- len(batch)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Monitor(ctx) }()

	mb.mu.Lock()
	mb.unseenUIDs = []uint32{21}
	mb.mu.Unlock()

	select {
	case n := <-emitted:
		if n != 1 {
			t.Errorf("Expected 1 email, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for poll pass")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Monitor to stop")
	}
}

func TestControllerRecordsLastSync(t *testing.T) {
	mb := newFakeMailbox()
	mb.allUIDs = []uint32{1}

	var synced time.Time
	c := newTestController(mb, ControllerConfig{}, func([]*models.Email) {})
	c.SetSyncedHook(func(t time.Time) { synced = t })

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if synced.IsZero() {
		t.Error("Expected last-sync hook to fire after bootstrap")
	}
}
