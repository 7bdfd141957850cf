package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/goleak"

	"readycheck/api/internal/realtime"
	"readycheck/api/internal/summon"
)

type fakeBackend struct {
	observeFn func(context.Context, string, string) (<-chan summon.Summon, error)

	mu         sync.Mutex
	heartbeats int
	lastTTL    time.Duration
	left       int
}

func (f *fakeBackend) Observe(ctx context.Context, groupID, summonID string) (<-chan summon.Summon, error) {
	return f.observeFn(ctx, groupID, summonID)
}

func (f *fakeBackend) Heartbeat(_ context.Context, _, _, _ string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	f.lastTTL = ttl
	return nil
}

func (f *fakeBackend) Leave(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left++
	return nil
}

func (f *fakeBackend) counts() (int, time.Duration, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.lastTTL, f.left
}

func streamOf(updates chan summon.Summon) func(context.Context, string, string) (<-chan summon.Summon, error) {
	return func(context.Context, string, string) (<-chan summon.Summon, error) {
		return updates, nil
	}
}

func TestBarrierTerminatesExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	var effects atomic.Int32
	barrier := NewBarrier(func(string) { effects.Add(1) })

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if barrier.Terminate("summon SUCCESS") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || effects.Load() != 1 {
		t.Fatalf("expected one winner and one effect, got %d/%d", wins.Load(), effects.Load())
	}
	select {
	case <-barrier.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	if barrier.Reason() != "summon SUCCESS" {
		t.Fatalf("unexpected reason %q", barrier.Reason())
	}
	if barrier.Terminate("again") {
		t.Fatal("late Terminate must report false")
	}
}

func TestKeepAliveTerminatesOnResolvedSummon(t *testing.T) {
	defer goleak.VerifyNone(t)

	updates := make(chan summon.Summon, 2)
	backend := &fakeBackend{observeFn: streamOf(updates)}
	barrier := NewBarrier(nil)
	keepAlive, err := NewKeepAlive(KeepAliveConfig{
		GroupID: "g1", SummonID: "s1", MemberID: "b",
		Backend: backend, Terminator: barrier, Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewKeepAlive() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- keepAlive.Run(context.Background()) }()

	updates <- summon.Summon{ID: "s1", Status: summon.StatusPending, Version: 1}
	time.Sleep(50 * time.Millisecond)
	updates <- summon.Summon{ID: "s1", Status: summon.StatusFailed, Reason: summon.ReasonDeclined, Version: 2}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive did not stop on a resolved summon")
	}

	if barrier.Reason() != "summon FAILED (declined)" {
		t.Fatalf("unexpected termination reason %q", barrier.Reason())
	}
	heartbeats, ttl, left := backend.counts()
	if heartbeats < 2 {
		t.Fatalf("expected periodic heartbeats, got %d", heartbeats)
	}
	if ttl != 60*time.Millisecond {
		t.Fatalf("expected ttl of three intervals, got %s", ttl)
	}
	if left != 1 {
		t.Fatalf("expected presence dropped once, got %d", left)
	}
}

func TestKeepAliveStopsWhenBarrierFiresElsewhere(t *testing.T) {
	defer goleak.VerifyNone(t)

	updates := make(chan summon.Summon)
	backend := &fakeBackend{observeFn: streamOf(updates)}
	barrier := NewBarrier(nil)
	keepAlive, err := NewKeepAlive(KeepAliveConfig{
		GroupID: "g1", SummonID: "s1", MemberID: "b",
		Backend: backend, Terminator: barrier, Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewKeepAlive() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- keepAlive.Run(context.Background()) }()

	barrier.Terminate("session finished")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive ignored the barrier")
	}
	if barrier.Reason() != "session finished" {
		t.Fatalf("keep-alive overwrote the termination reason: %q", barrier.Reason())
	}
}

func TestKeepAliveGivesUpOnMissingSummon(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	backend := &fakeBackend{observeFn: func(context.Context, string, string) (<-chan summon.Summon, error) {
		calls.Add(1)
		return nil, summon.ErrSummonNotFound
	}}
	keepAlive, err := NewKeepAlive(KeepAliveConfig{
		GroupID: "g1", SummonID: "s1", MemberID: "b",
		Backend: backend, Terminator: NewBarrier(nil), Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewKeepAlive() error = %v", err)
	}
	if err := keepAlive.Run(context.Background()); !errors.Is(err, summon.ErrSummonNotFound) {
		t.Fatalf("expected ErrSummonNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries on a missing summon, got %d calls", calls.Load())
	}
}

func TestKeepAliveRetriesTransientSubscribeFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	updates := make(chan summon.Summon, 1)
	var calls atomic.Int32
	backend := &fakeBackend{observeFn: func(context.Context, string, string) (<-chan summon.Summon, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return updates, nil
	}}
	barrier := NewBarrier(nil)
	keepAlive, err := NewKeepAlive(KeepAliveConfig{
		GroupID: "g1", SummonID: "s1", MemberID: "b",
		Backend: backend, Terminator: barrier, Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewKeepAlive() error = %v", err)
	}

	updates <- summon.Summon{ID: "s1", Status: summon.StatusSuccess, Reason: summon.ReasonAllAccepted}
	if err := keepAlive.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected three subscribe attempts, got %d", calls.Load())
	}
	if barrier.Reason() != "summon SUCCESS (all_accepted)" {
		t.Fatalf("unexpected reason %q", barrier.Reason())
	}
}

func TestNewKeepAliveValidates(t *testing.T) {
	if _, err := NewKeepAlive(KeepAliveConfig{GroupID: "g1"}); err == nil {
		t.Fatal("expected error for incomplete config")
	}
}

func TestRegistry(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := realtime.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	registry := NewRegistry(store)

	if err := registry.Heartbeat(ctx, "g1", "s1", "b", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if err := registry.Heartbeat(ctx, "g1", "s1", "b", 15*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := registry.Heartbeat(ctx, "g1", "s1", "c", 30*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	present, err := registry.Present(ctx, "g1", "s1", []string{"b", "c", "d"})
	if err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if !present["b"] || !present["c"] || present["d"] {
		t.Fatalf("unexpected presence %v", present)
	}

	s.FastForward(20 * time.Second)
	if err := registry.Leave(ctx, "g1", "s1", "c"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	present, err = registry.Present(ctx, "g1", "s1", []string{"b", "c"})
	if err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if present["b"] || present["c"] {
		t.Fatalf("expected lapsed and departed markers gone, got %v", present)
	}

	if err := registry.Heartbeat(ctx, "g1", "s1", "b", 24*time.Hour); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if ttl := s.TTL(Key("g1", "s1", "b")); ttl != 10*time.Minute {
		t.Fatalf("expected ttl capped at 10m, got %s", ttl)
	}
}

func TestKeepAliveResubscribesWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	var subscribes atomic.Int32
	backend := &fakeBackend{observeFn: func(context.Context, string, string) (<-chan summon.Summon, error) {
		subscribes.Add(1)
		updates := make(chan summon.Summon)
		close(updates)
		return updates, nil
	}}
	k, err := NewKeepAlive(KeepAliveConfig{
		GroupID:    "g1",
		SummonID:   "s1",
		MemberID:   "b",
		Backend:    backend,
		Terminator: NewBarrier(nil),
		Interval:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewKeepAlive() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := k.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if n := subscribes.Load(); n < 2 || n > 20 {
		t.Fatalf("expected a few spaced resubscribes, got %d", n)
	}
	if heartbeats, _, left := backend.counts(); heartbeats == 0 || left != 1 {
		t.Fatalf("expected heartbeats to continue and one leave, got %d/%d", heartbeats, left)
	}
}
