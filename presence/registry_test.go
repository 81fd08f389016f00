package presence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/presence"
	"github.com/xraph/haul/store/memory"
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

var depot = haul.Point{Lat: 12.9716, Lon: 77.5946}

func setup(t *testing.T, opts ...presence.Option) (*presence.Registry, *memory.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	opts = append([]presence.Option{
		presence.WithClock(clock.Now),
		presence.WithConnectivityTTL(time.Minute),
		presence.WithRateLimit(2*time.Second, 5*time.Minute, 3),
	}, opts...)
	return presence.NewRegistry(s, s, opts...), s, clock
}

func TestSetIntent_OnlineOffline(t *testing.T) {
	ctx := context.Background()
	r, s, clock := setup(t)

	changed, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	if err != nil || !changed {
		t.Fatalf("go online: changed=%v err=%v", changed, err)
	}
	if online, _ := r.IsOnline(ctx, "tr_1"); !online {
		t.Fatal("actor not online")
	}
	members, _ := r.OnlineMembersFor(ctx, "open")
	if len(members) != 1 || members[0] != "tr_1" {
		t.Fatalf("members = %v", members)
	}

	// Same state again is a no-op and does not count as a toggle.
	changed, err = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true})
	if err != nil || changed {
		t.Fatalf("repeat online: changed=%v err=%v", changed, err)
	}

	clock.Advance(3 * time.Second)
	changed, err = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: false})
	if err != nil || !changed {
		t.Fatalf("go offline: changed=%v err=%v", changed, err)
	}
	members, _ = r.OnlineMembersFor(ctx, "open")
	if len(members) != 0 {
		t.Fatalf("members after offline = %v", members)
	}
	if near, _ := s.Nearby(ctx, "open", depot, 50, 10); len(near) != 0 {
		t.Fatalf("offline actor still in geo index: %v", near)
	}
}

func TestHeartbeat_NoGhostOnline(t *testing.T) {
	ctx := context.Background()
	r, s, clock := setup(t)

	if online, err := r.Heartbeat(ctx, "tr_1", depot); err != nil || online {
		t.Fatalf("heartbeat of unknown actor: online=%v err=%v", online, err)
	}

	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	if online, _ := r.Heartbeat(ctx, "tr_1", depot); !online {
		t.Fatal("heartbeat of online actor failed")
	}
	if near, _ := s.Nearby(ctx, "open", depot, 1, 10); len(near) != 1 {
		t.Fatalf("position not recorded: %v", near)
	}

	clock.Advance(3 * time.Second)
	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: false})

	// A late heartbeat must not bring the actor back.
	if online, _ := r.Heartbeat(ctx, "tr_1", depot); online {
		t.Fatal("heartbeat resurrected an offline actor")
	}
	if online, _ := r.IsOnline(ctx, "tr_1"); online {
		t.Fatal("offline actor reported online")
	}
}

func TestHeartbeat_InvalidPoint(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Heartbeat(context.Background(), "tr_1", haul.Point{Lat: 123, Lon: 0})
	if !errors.Is(err, haul.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestOnlineMembersFor_PrunesLapsed(t *testing.T) {
	ctx := context.Background()
	r, s, clock := setup(t)

	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_2", Online: true, Capabilities: []string{"open"}})

	clock.Advance(45 * time.Second)
	_, _ = r.Heartbeat(ctx, "tr_2", depot)
	clock.Advance(30 * time.Second)

	members, err := r.OnlineMembersFor(ctx, "open")
	if err != nil {
		t.Fatalf("OnlineMembersFor: %v", err)
	}
	if len(members) != 1 || members[0] != "tr_2" {
		t.Fatalf("members = %v, want [tr_2]", members)
	}
	raw, _ := s.OnlineMembers(ctx, "open")
	if len(raw) != 1 {
		t.Fatalf("stale member not pruned: %v", raw)
	}
}

func TestSetIntent_ReconnectAfterLapse(t *testing.T) {
	ctx := context.Background()
	r, _, clock := setup(t)

	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	clock.Advance(2 * time.Minute)
	if online, _ := r.IsOnline(ctx, "tr_1"); online {
		t.Fatal("lapsed actor reported online")
	}

	// No cooldown applies: intent never changed.
	changed, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true})
	if err != nil || !changed {
		t.Fatalf("reconnect: changed=%v err=%v", changed, err)
	}
	if online, _ := r.IsOnline(ctx, "tr_1"); !online {
		t.Fatal("actor not online after reconnect")
	}
}

func TestSetIntent_ReconnectDropsUndeclaredCapabilities(t *testing.T) {
	ctx := context.Background()
	r, s, clock := setup(t)

	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open", "closed"}})
	if ok, _ := r.Heartbeat(ctx, "tr_1", depot); !ok {
		t.Fatal("heartbeat failed")
	}
	clock.Advance(2 * time.Minute)

	changed, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"closed"}})
	if err != nil || !changed {
		t.Fatalf("reconnect: changed=%v err=%v", changed, err)
	}

	if raw, _ := s.OnlineMembers(ctx, "open"); len(raw) != 0 {
		t.Errorf("open online set = %v, want empty", raw)
	}
	if near, _ := s.Nearby(ctx, "open", depot, 50, 10); len(near) != 0 {
		t.Errorf("open geo index = %v, want empty", near)
	}
	if members, _ := r.OnlineMembersFor(ctx, "closed"); len(members) != 1 || members[0] != "tr_1" {
		t.Errorf("closed members = %v, want [tr_1]", members)
	}
	if caps, _ := s.Capabilities(ctx, "tr_1"); len(caps) != 1 || caps[0] != "closed" {
		t.Errorf("capabilities = %v", caps)
	}
}

func TestSetIntent_RateLimits(t *testing.T) {
	ctx := context.Background()
	r, _, clock := setup(t)
	toggle := func(online bool) error {
		_, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: online, Capabilities: []string{"open"}})
		return err
	}

	if err := toggle(true); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := toggle(false); !errors.Is(err, haul.ErrRateLimited) {
		t.Fatalf("toggle inside cooldown = %v, want rate limited", err)
	}

	clock.Advance(3 * time.Second)
	if err := toggle(false); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	clock.Advance(3 * time.Second)
	if err := toggle(true); err != nil {
		t.Fatalf("third toggle: %v", err)
	}
	clock.Advance(3 * time.Second)
	if err := toggle(false); !errors.Is(err, haul.ErrRateLimited) {
		t.Fatalf("fourth toggle in window = %v, want rate limited", err)
	}

	clock.Advance(6 * time.Minute)
	if err := toggle(false); err != nil {
		t.Fatalf("toggle after window: %v", err)
	}
}

func TestSetIntent_InProgress(t *testing.T) {
	ctx := context.Background()
	r, s, _ := setup(t)

	if ok, _ := s.AcquireLease(ctx, lease.ToggleKey("tr_1"), "other-request", time.Minute); !ok {
		t.Fatal("could not seed toggle lease")
	}
	_, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	if !errors.Is(err, haul.ErrToggleInProgress) || !errors.Is(err, haul.ErrLockContention) {
		t.Fatalf("err = %v, want toggle in progress", err)
	}
}

func TestSetIntent_LeaseStoreDown(t *testing.T) {
	ctx := context.Background()
	r, s, _ := setup(t)

	s.FailNext("AcquireLease", errors.New("connection refused"))
	_, err := r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	if !errors.Is(err, haul.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
}

func TestSetIntent_OnlineHook(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		calls []string
	)
	r, _, _ := setup(t, presence.WithOnlineHook(func(_ context.Context, actorID string, caps []string) {
		mu.Lock()
		calls = append(calls, actorID+"/"+caps[0])
		mu.Unlock()
	}))

	_, _ = r.SetIntent(ctx, presence.Toggle{ActorID: "tr_1", Online: true, Capabilities: []string{"open"}})
	r.Wait()

	if len(calls) != 1 || calls[0] != "tr_1/open" {
		t.Fatalf("hook calls = %v", calls)
	}
}

func TestSetIntent_FirstOnlineNeedsCapabilities(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.SetIntent(context.Background(), presence.Toggle{ActorID: "tr_1", Online: true})
	if !errors.Is(err, haul.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
