package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carelink/security-service/internal/config"
	"github.com/carelink/security-service/internal/events"
	"github.com/carelink/security-service/internal/store"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func defaultDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		FailureThreshold:  5,
		FailureWindow:     15 * time.Minute,
		AutoBlockDuration: time.Hour,
	}
}

func newTestGuard(t *testing.T) (*Service, *store.Memory, *testClock) {
	t.Helper()
	clock := newTestClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	logger := zap.NewNop()
	recorder := events.New(mem, nil, logger)
	svc := New(Dependencies{
		Store:    mem,
		Recorder: recorder,
		Config:   defaultDetectorConfig(),
		Logger:   logger,
	})
	svc.now = clock.Now
	return svc, mem, clock
}

func failureInput(addr string) Input {
	return Input{
		EventType: store.EventLoginFailure,
		IPAddress: addr,
		UserAgent: "curl/8.0",
	}
}

func TestGuardAllowsUnblockedAddress(t *testing.T) {
	svc, mem, _ := newTestGuard(t)

	result, err := svc.Guard(context.Background(), Input{
		EventType: store.EventLoginSuccess,
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected request to be allowed")
	}
	if result.Event == nil || result.Event.EventType != store.EventLoginSuccess {
		t.Fatalf("expected recorded login_success event, got: %+v", result.Event)
	}

	eventList, err := mem.ListEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(eventList) != 1 {
		t.Fatalf("expected 1 event, got %d", len(eventList))
	}
}

func TestGuardRequiresEventType(t *testing.T) {
	svc, _, _ := newTestGuard(t)

	_, err := svc.Guard(context.Background(), Input{IPAddress: "10.0.0.1"})
	if !errors.Is(err, events.ErrEventTypeRequired) {
		t.Fatalf("expected ErrEventTypeRequired, got: %v", err)
	}
}

func TestGuardDefaultsUnknownAddress(t *testing.T) {
	svc, _, _ := newTestGuard(t)

	result, err := svc.Guard(context.Background(), Input{EventType: store.EventLoginAttempt})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Event.IPAddress != "unknown" {
		t.Fatalf("expected address to default to unknown, got %q", result.Event.IPAddress)
	}
}

func TestGuardAutoBlocksAtThreshold(t *testing.T) {
	svc, mem, _ := newTestGuard(t)
	ctx := context.Background()
	addr := "203.0.113.7"

	for i := 0; i < 4; i++ {
		result, err := svc.Guard(ctx, failureInput(addr))
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if !result.Allowed || result.AutoBlocked {
			t.Fatalf("failure %d should be allowed without escalation", i+1)
		}
	}

	result, err := svc.Guard(ctx, failureInput(addr))
	if err != nil {
		t.Fatalf("fifth failure: %v", err)
	}
	if !result.Allowed {
		t.Fatal("the triggering failure itself must not be rejected")
	}
	if !result.AutoBlocked {
		t.Fatal("expected auto block on the fifth failure")
	}
	if result.FailedAttempts != 5 {
		t.Fatalf("expected failed_attempts=5, got %d", result.FailedAttempts)
	}

	record, err := mem.BlockByAddress(ctx, addr)
	if err != nil {
		t.Fatalf("expected block record: %v", err)
	}
	if !record.IsActive {
		t.Fatal("expected active block record")
	}
	if record.Reason != AutoBlockReason {
		t.Fatalf("unexpected reason: %q", record.Reason)
	}
	if record.ExpiresAt == nil {
		t.Fatal("auto block must carry an expiry")
	}

	autoEvents, err := mem.ListEvents(ctx, store.EventFilter{EventType: store.EventAutoBlock})
	if err != nil {
		t.Fatalf("list auto_block events: %v", err)
	}
	if len(autoEvents) != 1 {
		t.Fatalf("expected 1 auto_block event, got %d", len(autoEvents))
	}
	if autoEvents[0].Details["failed_attempts"] != 5 {
		t.Fatalf("unexpected auto_block details: %+v", autoEvents[0].Details)
	}

	// The next request from that address is denied at pre-check, even with a
	// different event type.
	next, err := svc.Guard(ctx, Input{
		EventType: store.EventLoginAttempt,
		IPAddress: addr,
		UserAgent: "curl/8.0",
	})
	if err != nil {
		t.Fatalf("post-block guard: %v", err)
	}
	if next.Allowed {
		t.Fatal("expected denial after auto block")
	}
	if next.BlockReason != AutoBlockReason {
		t.Fatalf("unexpected block reason: %q", next.BlockReason)
	}

	blocked, err := mem.ListEvents(ctx, store.EventFilter{EventType: store.EventBlockedAccess})
	if err != nil {
		t.Fatalf("list blocked_access events: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("expected 1 blocked_access event, got %d", len(blocked))
	}
	if blocked[0].Details["block_reason"] != AutoBlockReason {
		t.Fatalf("blocked_access must carry the block reason, got: %+v", blocked[0].Details)
	}

	// The original login_attempt was never persisted.
	attempts, err := mem.ListEvents(ctx, store.EventFilter{EventType: store.EventLoginAttempt})
	if err != nil {
		t.Fatalf("list login_attempt events: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("denied event must not be recorded, got %d", len(attempts))
	}
}

func TestGuardWindowExcludesGappedFailures(t *testing.T) {
	svc, mem, clock := newTestGuard(t)
	ctx := context.Background()
	addr := "203.0.113.8"

	for i := 0; i < 4; i++ {
		if _, err := svc.Guard(ctx, failureInput(addr)); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	clock.Advance(16 * time.Minute)

	result, err := svc.Guard(ctx, failureInput(addr))
	if err != nil {
		t.Fatalf("fifth failure: %v", err)
	}
	if result.AutoBlocked {
		t.Fatal("failures outside the window must not count toward escalation")
	}
	if _, err := mem.BlockByAddress(ctx, addr); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no block record, got: %v", err)
	}
}

func TestGuardSteadyTrickleNeverBlocks(t *testing.T) {
	svc, mem, clock := newTestGuard(t)
	ctx := context.Background()
	addr := "203.0.113.9"

	// One failure every 5 minutes stays below 5-per-15-minutes forever.
	for i := 0; i < 12; i++ {
		result, err := svc.Guard(ctx, failureInput(addr))
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if result.AutoBlocked {
			t.Fatalf("trickle escalated at failure %d", i+1)
		}
		clock.Advance(5 * time.Minute)
	}
	if _, err := mem.BlockByAddress(ctx, addr); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no block record, got: %v", err)
	}
}

func TestGuardExpiredBlockIsLazilyDeactivated(t *testing.T) {
	svc, mem, clock := newTestGuard(t)
	ctx := context.Background()
	addr := "198.51.100.4"

	expiresAt := clock.Now().Add(-time.Minute)
	record, err := mem.UpsertBlock(ctx, store.BlockUpsert{
		IPAddress: addr,
		Reason:    "manual review",
		BlockedAt: clock.Now().Add(-2 * time.Hour),
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		t.Fatalf("seed block: %v", err)
	}

	result, err := svc.Guard(ctx, Input{
		EventType: store.EventLoginAttempt,
		IPAddress: addr,
	})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expired block must not deny")
	}

	refreshed, err := mem.BlockByAddress(ctx, addr)
	if err != nil {
		t.Fatalf("lookup block: %v", err)
	}
	if refreshed.ID != record.ID {
		t.Fatal("deactivation must not replace the record")
	}
	if refreshed.IsActive {
		t.Fatal("expected the gate to flip is_active off on first observation")
	}
}

func TestGuardPermanentBlockDeniesIndefinitely(t *testing.T) {
	svc, mem, clock := newTestGuard(t)
	ctx := context.Background()
	addr := "198.51.100.5"

	if _, err := mem.UpsertBlock(ctx, store.BlockUpsert{
		IPAddress: addr,
		Reason:    "spam",
		BlockedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("seed block: %v", err)
	}

	clock.Advance(1000 * time.Hour)

	result, err := svc.Guard(ctx, Input{EventType: store.EventLoginAttempt, IPAddress: addr})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if result.Allowed {
		t.Fatal("permanent block must deny until explicitly lifted")
	}
	if result.BlockReason != "spam" {
		t.Fatalf("unexpected reason: %q", result.BlockReason)
	}
}

func TestGuardAutoBlockRefreshesExistingRecord(t *testing.T) {
	svc, mem, clock := newTestGuard(t)
	ctx := context.Background()
	addr := "198.51.100.6"

	// A previously lifted block leaves an inactive record behind.
	seeded, err := mem.UpsertBlock(ctx, store.BlockUpsert{
		IPAddress: addr,
		Reason:    "old incident",
		BlockedAt: clock.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed block: %v", err)
	}
	if err := mem.SetBlockActive(ctx, seeded.ID, false); err != nil {
		t.Fatalf("deactivate seed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := svc.Guard(ctx, failureInput(addr)); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	records, err := mem.ListBlocks(ctx, false)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record per address, got %d", len(records))
	}
	if !records[0].IsActive || records[0].Reason != AutoBlockReason {
		t.Fatalf("expected refreshed auto block, got: %+v", records[0])
	}
}

func TestGuardConcurrentFailuresConverge(t *testing.T) {
	svc, mem, _ := newTestGuard(t)
	ctx := context.Background()
	addr := "203.0.113.10"

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Guard(ctx, failureInput(addr)); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent guard: %v", err)
	}

	records, err := mem.ListBlocks(ctx, true)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one active block, got %d", len(records))
	}
	if records[0].IPAddress != addr {
		t.Fatalf("unexpected blocked address: %q", records[0].IPAddress)
	}
}

type countErrorStore struct {
	store.Store
}

func (s *countErrorStore) CountEvents(context.Context, string, string, time.Time) (int, error) {
	return 0, errors.New("window query unavailable")
}

func TestGuardEscalationFailureIsAdditive(t *testing.T) {
	clock := newTestClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	logger := zap.NewNop()
	broken := &countErrorStore{Store: mem}
	recorder := events.New(broken, nil, logger)
	svc := New(Dependencies{
		Store:    broken,
		Recorder: recorder,
		Config:   defaultDetectorConfig(),
		Logger:   logger,
	})
	svc.now = clock.Now

	result, err := svc.Guard(context.Background(), failureInput("203.0.113.11"))
	if err != nil {
		t.Fatalf("escalation failure must not fail the call: %v", err)
	}
	if !result.Allowed || result.AutoBlocked {
		t.Fatalf("expected plain success, got: %+v", result)
	}

	// The failure event itself is durable.
	eventList, err := mem.ListEvents(context.Background(), store.EventFilter{EventType: store.EventLoginFailure})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(eventList) != 1 {
		t.Fatalf("expected the failure event to be recorded, got %d", len(eventList))
	}
}
