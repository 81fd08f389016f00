package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/middleware"
	"github.com/xraph/haul/store/memory"
	"github.com/xraph/haul/timer"
	"github.com/xraph/haul/worker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type trackingExt struct {
	completed atomic.Int32
	failed    atomic.Int32
	abandoned atomic.Int32
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnTimerCompleted(context.Context, *timer.Entry, time.Duration) error {
	e.completed.Add(1)
	return nil
}

func (e *trackingExt) OnTimerFailed(context.Context, *timer.Entry, error) error {
	e.failed.Add(1)
	return nil
}

func (e *trackingExt) OnTimerAbandoned(context.Context, *timer.Entry, error) error {
	e.abandoned.Add(1)
	return nil
}

type harness struct {
	pool    *worker.Pool
	store   *memory.Store
	reg     *timer.Registry
	tracker *trackingExt
	clock   *fakeClock
}

func setup(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	logger := slog.Default()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	reg := timer.NewRegistry()
	extensions := ext.NewRegistry(logger)
	tracker := &trackingExt{}
	extensions.Register(tracker)

	executor := worker.NewExecutor(reg, s, extensions, backoff.NewConstant(10*time.Second), maxAttempts, logger,
		middleware.Recover(logger),
	)
	pool := worker.NewPool(s, s, executor, logger,
		worker.WithScanInterval(10*time.Millisecond),
		worker.WithLeaseTTL(30*time.Second),
		worker.WithClock(clock.Now),
	)
	return &harness{pool: pool, store: s, reg: reg, tracker: tracker, clock: clock}
}

func (h *harness) schedule(t *testing.T, key string, due time.Time) *timer.Entry {
	t.Helper()
	e, err := timer.NewEntry(key, timer.KindExpiry, map[string]string{"request_id": key}, due)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if err := h.store.ScheduleTimer(context.Background(), e); err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}
	return e
}

func TestPool_StartStop(t *testing.T) {
	h := setup(t, 3)

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_RunsDueEntriesOnly(t *testing.T) {
	h := setup(t, 3)
	ctx := context.Background()

	var ran []string
	var mu sync.Mutex
	timer.Handle(h.reg, timer.KindExpiry, func(_ context.Context, p map[string]string) error {
		mu.Lock()
		ran = append(ran, p["request_id"])
		mu.Unlock()
		return nil
	})

	h.schedule(t, "expiry:due", h.clock.Now().Add(-time.Second))
	h.schedule(t, "expiry:later", h.clock.Now().Add(time.Minute))

	n, err := h.pool.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || len(ran) != 1 || ran[0] != "expiry:due" {
		t.Fatalf("ran = %v (n=%d), want [expiry:due]", ran, n)
	}
	if _, err := h.store.GetTimer(ctx, "expiry:due"); err == nil {
		t.Error("completed entry still scheduled")
	}
	if _, err := h.store.GetTimer(ctx, "expiry:later"); err != nil {
		t.Errorf("future entry removed: %v", err)
	}
	if h.tracker.completed.Load() != 1 {
		t.Errorf("completed hooks = %d, want 1", h.tracker.completed.Load())
	}
}

func TestPool_RetriesThenAbandons(t *testing.T) {
	h := setup(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	h.reg.Register(timer.KindExpiry, func(context.Context, *timer.Entry) error {
		calls.Add(1)
		return errors.New("store down")
	})
	h.schedule(t, "expiry:r1", h.clock.Now())

	_, _ = h.pool.RunOnce(ctx)
	got, err := h.store.GetTimer(ctx, "expiry:r1")
	if err != nil {
		t.Fatalf("entry dropped after first failure: %v", err)
	}
	if got.Attempt != 1 || !got.DueAt.Equal(h.clock.Now().Add(10*time.Second)) {
		t.Errorf("retry = attempt %d due %v", got.Attempt, got.DueAt)
	}

	// Not yet due again.
	if n, _ := h.pool.RunOnce(ctx); n != 0 {
		t.Fatalf("ran %d entries before backoff elapsed", n)
	}

	h.clock.Advance(11 * time.Second)
	_, _ = h.pool.RunOnce(ctx)
	if _, err := h.store.GetTimer(ctx, "expiry:r1"); err == nil {
		t.Fatal("exhausted entry still scheduled")
	}
	if calls.Load() != 2 || h.tracker.failed.Load() != 1 || h.tracker.abandoned.Load() != 1 {
		t.Errorf("calls=%d failed=%d abandoned=%d", calls.Load(), h.tracker.failed.Load(), h.tracker.abandoned.Load())
	}
}

func TestPool_HeldLeaseDefersUntilExpiry(t *testing.T) {
	h := setup(t, 3)
	ctx := context.Background()

	var calls atomic.Int32
	h.reg.Register(timer.KindExpiry, func(context.Context, *timer.Entry) error {
		calls.Add(1)
		return nil
	})
	h.schedule(t, "expiry:r1", h.clock.Now())

	// A replica took the entry and died without completing it.
	if ok, _ := h.store.AcquireLease(ctx, lease.TimerKey("expiry:r1"), "dead-replica", 30*time.Second); !ok {
		t.Fatal("could not seed lease")
	}

	if n, _ := h.pool.RunOnce(ctx); n != 0 || calls.Load() != 0 {
		t.Fatalf("entry ran while leased elsewhere")
	}

	h.clock.Advance(31 * time.Second)
	if n, _ := h.pool.RunOnce(ctx); n != 1 || calls.Load() != 1 {
		t.Fatalf("entry not taken over after lease expiry: n=%d calls=%d", n, calls.Load())
	}
}

func TestPool_RescheduleInsideHandlerSurvives(t *testing.T) {
	h := setup(t, 3)
	ctx := context.Background()

	h.reg.Register(timer.KindRadiusStep, func(ctx context.Context, e *timer.Entry) error {
		next, _ := timer.NewEntry(e.Key, timer.KindRadiusStep, nil, h.clock.Now().Add(20*time.Second))
		return h.store.ScheduleTimer(ctx, next)
	})
	e, _ := timer.NewEntry("radius:r1", timer.KindRadiusStep, nil, h.clock.Now())
	_ = h.store.ScheduleTimer(ctx, e)

	if n, _ := h.pool.RunOnce(ctx); n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	got, err := h.store.GetTimer(ctx, "radius:r1")
	if err != nil {
		t.Fatalf("rescheduled entry was completed away: %v", err)
	}
	if got.Token == e.Token {
		t.Error("token did not rotate")
	}
}

func TestPool_UnknownKindIsRetried(t *testing.T) {
	h := setup(t, 3)
	ctx := context.Background()
	h.schedule(t, "expiry:r1", h.clock.Now())

	_, _ = h.pool.RunOnce(ctx)
	got, err := h.store.GetTimer(ctx, "expiry:r1")
	if err != nil || got.Attempt != 1 {
		t.Fatalf("entry = %+v err = %v, want attempt 1", got, err)
	}
}

func TestPool_BackgroundLoop(t *testing.T) {
	h := setup(t, 3)

	var processed atomic.Bool
	h.reg.Register(timer.KindExpiry, func(context.Context, *timer.Entry) error {
		processed.Store(true)
		return nil
	})
	h.schedule(t, "expiry:r1", h.clock.Now())

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = h.pool.Stop(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for timer to run")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
