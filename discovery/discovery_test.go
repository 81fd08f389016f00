package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/presence"
	"github.com/xraph/haul/store/memory"
)

var pickup = haul.Point{Lat: 12.9716, Lon: 77.5946}

// offsetKm returns a point roughly km north of pickup.
func offsetKm(km float64) haul.Point {
	return haul.Point{Lat: pickup.Lat + km/111.0, Lon: pickup.Lon}
}

type fixture struct {
	store    *memory.Store
	presence *presence.Registry
	disp     *discovery.Dispatcher
	plans    []discovery.StepPlan
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	reg := presence.NewRegistry(s, s, presence.WithRateLimit(0, time.Minute, 0))
	cfg := haul.DefaultConfig()
	return &fixture{
		store:    s,
		presence: reg,
		disp:     discovery.NewDispatcher(s, s, reg),
		plans:    discovery.NewPlanner(cfg).Plan(pickup, broadcast.VehicleSpec{Type: "open"}, 2),
	}
}

func (f *fixture) online(t *testing.T, actor string, at haul.Point) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.presence.SetIntent(ctx, presence.Toggle{ActorID: actor, Online: true, Capabilities: []string{"open"}}); err != nil {
		t.Fatalf("SetIntent(%s): %v", actor, err)
	}
	if _, err := f.presence.Heartbeat(ctx, actor, at); err != nil {
		t.Fatalf("Heartbeat(%s): %v", actor, err)
	}
}

func TestPlanner_Plan(t *testing.T) {
	cfg := haul.DefaultConfig()
	plans := discovery.NewPlanner(cfg).Plan(pickup, broadcast.VehicleSpec{Type: "open", Subtype: "20ft"}, 8)

	if len(plans) != len(cfg.Steps)+1 {
		t.Fatalf("plans = %d, want %d", len(plans), len(cfg.Steps)+1)
	}
	for i, p := range plans[:len(cfg.Steps)] {
		if p.Index != i || p.RadiusKm != cfg.Steps[i].RadiusKm || p.Fallback {
			t.Errorf("plan %d = %+v", i, p)
		}
		if p.Capability != "open:20ft" {
			t.Errorf("capability = %q", p.Capability)
		}
		if p.Limit != 80 {
			t.Errorf("limit = %d, want 80", p.Limit)
		}
		if i > 0 && p.RadiusKm <= plans[i-1].RadiusKm {
			t.Errorf("radius not increasing at %d", i)
		}
	}
	if last := plans[len(plans)-1]; !last.Fallback {
		t.Error("last plan is not the fallback scan")
	}
}

func TestDispatcher_ProgressiveSteps(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.online(t, "near", offsetKm(5))
	f.online(t, "mid", offsetKm(20))
	f.online(t, "far", offsetKm(60))

	tests := []struct {
		step int
		want []string
	}{
		{0, []string{"near"}},
		{1, []string{"mid"}},
		{2, nil},
		{3, []string{"far"}},
	}
	for _, tt := range tests {
		res := f.disp.Run(ctx, "req_1", f.plans[tt.step])
		if res.Degraded {
			t.Fatalf("step %d degraded", tt.step)
		}
		if len(res.New) != len(tt.want) {
			t.Fatalf("step %d new = %v, want %v", tt.step, res.New, tt.want)
		}
		for i := range tt.want {
			if res.New[i] != tt.want[i] {
				t.Errorf("step %d new[%d] = %s, want %s", tt.step, i, res.New[i], tt.want[i])
			}
		}
	}
}

func TestDispatcher_OfflineActorsExcluded(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.online(t, "tr_on", offsetKm(1))
	f.online(t, "tr_off", offsetKm(1))
	if _, err := f.presence.SetIntent(ctx, presence.Toggle{ActorID: "tr_off", Online: false}); err != nil {
		t.Fatalf("offline: %v", err)
	}

	res := f.disp.Run(ctx, "req_1", f.plans[0])
	if len(res.New) != 1 || res.New[0] != "tr_on" {
		t.Fatalf("new = %v, want [tr_on]", res.New)
	}
}

func TestDispatcher_FallbackIgnoresRadius(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.online(t, "near", offsetKm(2))
	// Online without a position: only the fallback scan can reach it.
	if _, err := f.presence.SetIntent(ctx, presence.Toggle{ActorID: "nopos", Online: true, Capabilities: []string{"open"}}); err != nil {
		t.Fatalf("SetIntent: %v", err)
	}

	_ = f.disp.Run(ctx, "req_1", f.plans[0])
	res := f.disp.Run(ctx, "req_1", f.plans[len(f.plans)-1])
	if len(res.New) != 1 || res.New[0] != "nopos" {
		t.Fatalf("fallback new = %v, want [nopos]", res.New)
	}
}

func TestDispatcher_DegradesOnLookupFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.online(t, "near", offsetKm(2))

	for _, method := range []string{"Nearby", "OnlineMembers", "AddNotified"} {
		t.Run(method, func(t *testing.T) {
			f.store.FailNext(method, errors.New("redis timeout"))
			res := f.disp.Run(ctx, "req_"+method, f.plans[0])
			if !res.Degraded || len(res.New) != 0 {
				t.Fatalf("result = %+v, want degraded and empty", res)
			}
		})
	}
}

func TestDispatcher_Offer(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.online(t, "near", offsetKm(2))
	_ = f.disp.Run(ctx, "req_1", f.plans[0])

	fresh, err := f.disp.Offer(ctx, "req_1", []string{"near", "late"})
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "late" {
		t.Fatalf("fresh = %v, want [late]", fresh)
	}
}
