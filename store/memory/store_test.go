package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/timer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

var (
	blr = haul.Point{Lat: 12.9716, Lon: 77.5946}
	mys = haul.Point{Lat: 12.2958, Lon: 76.6394}
)

func seedRequest(t *testing.T, s *Store, n int) (*broadcast.Request, []*broadcast.DemandUnit) {
	t.Helper()
	r, units := broadcast.New("cust_1", blr, mys, broadcast.VehicleSpec{Type: "open"}, n, time.Now().Add(time.Minute))
	if err := s.CreateRequest(context.Background(), r, units); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return r, units
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestFailNext(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.FailNext("Ping", boom)

	if err := s.Ping(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first Ping = %v, want boom", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("second Ping = %v, want nil", err)
	}
}

// ──────────────────────────────────────────────────
// Broadcast Store tests
// ──────────────────────────────────────────────────

func TestClaimDemandUnit_SingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	r, units := seedRequest(t, s, 1)

	const racers = 20
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		taken atomic.Int32
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimDemandUnit(context.Background(), broadcast.Claim{
				RequestID:     r.ID,
				DemandUnitID:  units[0].ID,
				TransporterID: "tr_" + string(rune('a'+i)),
				DriverID:      "drv_" + string(rune('a'+i)),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, haul.ErrDemandUnitTaken), errors.Is(err, haul.ErrRequestClosed):
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
	if taken.Load() != racers-1 {
		t.Errorf("losers = %d, want %d", taken.Load(), racers-1)
	}

	got, _ := s.GetRequest(context.Background(), r.ID)
	if got.TrucksFilled != 1 || got.State != broadcast.StateFullyFilled {
		t.Errorf("request = filled %d state %s", got.TrucksFilled, got.State)
	}
	asgs, _ := s.ListAssignments(context.Background(), r.ID)
	if len(asgs) != 1 {
		t.Errorf("assignments = %d, want 1", len(asgs))
	}
}

func TestClaimDemandUnit_Conflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	r, units := seedRequest(t, s, 2)

	first, err := s.ClaimDemandUnit(ctx, broadcast.Claim{
		RequestID: r.ID, DemandUnitID: units[0].ID, TransporterID: "tr_a", DriverID: "drv_a",
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first.Request.State != broadcast.StatePartiallyFilled {
		t.Errorf("state = %s, want partially_filled", first.Request.State)
	}

	tests := []struct {
		name  string
		claim broadcast.Claim
		want  error
	}{
		{"unit taken", broadcast.Claim{RequestID: r.ID, DemandUnitID: units[0].ID, TransporterID: "tr_b", DriverID: "drv_b"}, haul.ErrDemandUnitTaken},
		{"driver busy", broadcast.Claim{RequestID: r.ID, DemandUnitID: units[1].ID, TransporterID: "tr_a", DriverID: "drv_a"}, haul.ErrDriverBusy},
		{"unit missing", broadcast.Claim{RequestID: r.ID, DemandUnitID: r.ID, TransporterID: "tr_c"}, haul.ErrDemandUnitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ClaimDemandUnit(ctx, tt.claim)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransitionRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	r, units := seedRequest(t, s, 2)

	if _, err := s.ClaimDemandUnit(ctx, broadcast.Claim{
		RequestID: r.ID, DemandUnitID: units[0].ID, TransporterID: "tr_a", DriverID: "drv_a",
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := s.TransitionRequest(ctx, r.ID, broadcast.OpenStates, broadcast.StateCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != broadcast.StateCancelled {
		t.Errorf("state = %s", got.State)
	}

	du, _ := s.ListDemandUnits(ctx, r.ID)
	if du[0].State != broadcast.UnitAssigned || du[1].State != broadcast.UnitTerminal {
		t.Errorf("unit states = %s, %s", du[0].State, du[1].State)
	}
	asgs, _ := s.ListAssignments(ctx, r.ID)
	if asgs[0].Active || asgs[0].ClosedAt == nil {
		t.Error("assignment still active after cancel")
	}

	cur, err := s.TransitionRequest(ctx, r.ID, broadcast.OpenStates, broadcast.StateExpired)
	var ce *haul.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second transition err = %v, want ConflictError", err)
	}
	if ce.State != string(broadcast.StateCancelled) || cur.State != broadcast.StateCancelled {
		t.Errorf("conflict state = %s / %s", ce.State, cur.State)
	}
}

func TestAdvanceStepAndFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	r, _ := seedRequest(t, s, 1)

	ok, _ := s.AdvanceStep(ctx, r.ID, 0, 1)
	if !ok {
		t.Fatal("first advance failed")
	}
	ok, _ = s.AdvanceStep(ctx, r.ID, 0, 1)
	if ok {
		t.Fatal("stale advance succeeded")
	}

	if _, err := s.TransitionRequest(ctx, r.ID, broadcast.OpenStates, broadcast.StateExpired); err != nil {
		t.Fatalf("expire: %v", err)
	}
	pending, _ := s.ListUnfinalizedRequests(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("unfinalized = %d, want 1", len(pending))
	}
	if err := s.MarkFinalized(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}
	pending, _ = s.ListUnfinalizedRequests(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("unfinalized = %d, want 0", len(pending))
	}
}

// ──────────────────────────────────────────────────
// Timer and lease tests
// ──────────────────────────────────────────────────

func TestTimer_TokenConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	first, _ := timer.NewEntry("expiry:req_1", timer.KindExpiry, nil, clock.Now())
	_ = s.ScheduleTimer(ctx, first)

	due, _ := s.DueTimers(ctx, clock.Now(), 10)
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	second, _ := timer.NewEntry("expiry:req_1", timer.KindExpiry, nil, clock.Now().Add(time.Minute))
	_ = s.ScheduleTimer(ctx, second)

	if ok, _ := s.CompleteTimer(ctx, first.Key, first.Token); ok {
		t.Fatal("stale token completed a rescheduled entry")
	}
	if ok, _ := s.RetryTimer(ctx, first.Key, first.Token, clock.Now()); ok {
		t.Fatal("stale token retried a rescheduled entry")
	}
	if ok, _ := s.RetryTimer(ctx, second.Key, second.Token, clock.Now().Add(time.Second)); !ok {
		t.Fatal("current token retry failed")
	}
	got, _ := s.GetTimer(ctx, second.Key)
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if ok, _ := s.CompleteTimer(ctx, second.Key, second.Token); !ok {
		t.Fatal("current token completion failed")
	}
	if _, err := s.GetTimer(ctx, second.Key); !errors.Is(err, haul.ErrTimerNotFound) {
		t.Errorf("GetTimer after complete = %v", err)
	}
}

func TestLease_ExpiresAndOwnerRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	if ok, _ := s.AcquireLease(ctx, "accept:r1", "a", time.Second); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := s.AcquireLease(ctx, "accept:r1", "b", time.Second); ok {
		t.Fatal("held lease acquired")
	}
	_ = s.ReleaseLease(ctx, "accept:r1", "b")
	if ok, _ := s.AcquireLease(ctx, "accept:r1", "b", time.Second); ok {
		t.Fatal("non-owner release freed the lease")
	}
	clock.Advance(2 * time.Second)
	if ok, _ := s.AcquireLease(ctx, "accept:r1", "b", time.Second); !ok {
		t.Fatal("expired lease not acquirable")
	}
}

// ──────────────────────────────────────────────────
// Cache tests
// ──────────────────────────────────────────────────

func TestNotified_Dedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	fresh, _ := s.AddNotified(ctx, "r1", []string{"a", "b"}, time.Minute)
	if len(fresh) != 2 {
		t.Fatalf("fresh = %v", fresh)
	}
	fresh, _ = s.AddNotified(ctx, "r1", []string{"b", "c"}, time.Minute)
	if len(fresh) != 1 || fresh[0] != "c" {
		t.Fatalf("fresh = %v, want [c]", fresh)
	}
	members, _ := s.NotifiedMembers(ctx, "r1")
	if len(members) != 3 {
		t.Errorf("members = %v", members)
	}
	_ = s.ClearNotified(ctx, "r1")
	members, _ = s.NotifiedMembers(ctx, "r1")
	if len(members) != 0 {
		t.Errorf("members after clear = %v", members)
	}
}

func TestMarker_CompareAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	if ok, _ := s.SetMarker(ctx, "cust_1", "r1", time.Minute); !ok {
		t.Fatal("SetMarker failed")
	}
	if ok, _ := s.SetMarker(ctx, "cust_1", "r2", time.Minute); ok {
		t.Fatal("second SetMarker succeeded")
	}
	if ok, _ := s.ClearMarker(ctx, "cust_1", "r2"); ok {
		t.Fatal("ClearMarker removed another request's marker")
	}
	if cur, _ := s.GetMarker(ctx, "cust_1"); cur != "r1" {
		t.Fatalf("marker = %q", cur)
	}
	clock.Advance(2 * time.Minute)
	if cur, _ := s.GetMarker(ctx, "cust_1"); cur != "" {
		t.Fatalf("expired marker = %q", cur)
	}
	if ok, _ := s.SetMarker(ctx, "cust_1", "r2", time.Minute); !ok {
		t.Fatal("SetMarker after expiry failed")
	}
}

func TestNearby_OrdersByDistance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	near := haul.Point{Lat: 12.98, Lon: 77.60}
	mid := haul.Point{Lat: 13.10, Lon: 77.60}
	_ = s.UpdatePosition(ctx, "far", []string{"open"}, mys)
	_ = s.UpdatePosition(ctx, "mid", []string{"open"}, mid)
	_ = s.UpdatePosition(ctx, "near", []string{"open"}, near)
	_ = s.UpdatePosition(ctx, "other", []string{"closed"}, near)

	got, _ := s.Nearby(ctx, "open", blr, 25, 10)
	if len(got) != 2 || got[0] != "near" || got[1] != "mid" {
		t.Fatalf("Nearby = %v, want [near mid]", got)
	}
	got, _ = s.Nearby(ctx, "open", blr, 200, 1)
	if len(got) != 1 || got[0] != "near" {
		t.Fatalf("Nearby limit = %v", got)
	}
}

func TestConnectivity_RefreshOnlyExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	if ok, _ := s.RefreshConnectivity(ctx, "tr_1", time.Minute); ok {
		t.Fatal("refresh created a missing key")
	}
	_ = s.OpenConnectivity(ctx, "tr_1", time.Minute)
	clock.Advance(30 * time.Second)
	if ok, _ := s.RefreshConnectivity(ctx, "tr_1", time.Minute); !ok {
		t.Fatal("refresh of live key failed")
	}
	clock.Advance(90 * time.Second)
	got, _ := s.FilterConnected(ctx, []string{"tr_1"})
	if len(got) != 0 {
		t.Fatalf("lapsed key still connected: %v", got)
	}
}

func TestToggleHistory_Window(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := range 5 {
		_ = s.RecordToggle(ctx, "tr_1", base.Add(time.Duration(i)*time.Minute), 3*time.Minute)
	}
	got, _ := s.ToggleHistory(ctx, "tr_1", base)
	if len(got) != 4 {
		t.Fatalf("history = %d entries, want 4 after trim", len(got))
	}
}

func TestIdempotencyAndArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	_ = s.Remember(ctx, "create:c:t", []byte("r1"), time.Minute)
	if v, ok, _ := s.Recall(ctx, "create:c:t"); !ok || string(v) != "r1" {
		t.Fatalf("Recall = %q %v", v, ok)
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := s.Recall(ctx, "create:c:t"); ok {
		t.Fatal("expired token recalled")
	}

	if ok, _ := s.Reserve(ctx, "create:c:u", []byte("r2"), time.Minute); !ok {
		t.Fatal("Reserve on a free key failed")
	}
	if ok, _ := s.Reserve(ctx, "create:c:u", []byte("r3"), time.Minute); ok {
		t.Fatal("Reserve on a held key succeeded")
	}
	_ = s.Forget(ctx, "create:c:u")
	if ok, _ := s.Reserve(ctx, "create:c:u", []byte("r4"), time.Minute); !ok {
		t.Fatal("Reserve after Forget failed")
	}

	sum := &archive.Summary{RequestID: "r1", CustomerID: "c", NotifiedIDs: []string{"a"}, FinalizedAt: clock.Now()}
	_ = s.SaveSummary(ctx, sum)
	_ = s.SaveSummary(ctx, sum)
	list, _ := s.ListSummariesByCustomer(ctx, "c", 10)
	if len(list) != 1 {
		t.Fatalf("summaries = %d, want 1 after upsert", len(list))
	}
	if _, err := s.GetSummary(ctx, "nope"); !errors.Is(err, haul.ErrSummaryNotFound) {
		t.Errorf("GetSummary missing = %v", err)
	}
}
