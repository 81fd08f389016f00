//go:build integration

package redis_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/haul"
	"github.com/xraph/haul/lease"
	redisstore "github.com/xraph/haul/store/redis"
	"github.com/xraph/haul/timer"
)

func setupTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	s := redisstore.New(client)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return s
}

func TestTimers_TokenGuardsCompletion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, _ := timer.NewEntry("radius:req_1", timer.KindRadiusStep, map[string]int{"step": 1}, now.Add(-time.Second))
	if err := s.ScheduleTimer(ctx, first); err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}

	due, err := s.DueTimers(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueTimers: %v", err)
	}
	if len(due) != 1 || due[0].Token != first.Token || string(due[0].Payload) != `{"step":1}` {
		t.Fatalf("due = %+v", due)
	}

	second, _ := timer.NewEntry("radius:req_1", timer.KindRadiusStep, map[string]int{"step": 2}, now.Add(time.Minute))
	if err := s.ScheduleTimer(ctx, second); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	ok, err := s.CompleteTimer(ctx, "radius:req_1", first.Token)
	if err != nil || ok {
		t.Fatalf("stale complete = %v, %v", ok, err)
	}
	got, err := s.GetTimer(ctx, "radius:req_1")
	if err != nil || got.Token != second.Token {
		t.Fatalf("rescheduled entry lost: %v %v", got, err)
	}

	ok, _ = s.RetryTimer(ctx, "radius:req_1", second.Token, now.Add(-time.Millisecond))
	if !ok {
		t.Fatal("retry with live token should apply")
	}
	got, _ = s.GetTimer(ctx, "radius:req_1")
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	due, _ = s.DueTimers(ctx, now, 10)
	if len(due) != 1 {
		t.Errorf("retried entry should be due again")
	}

	ok, _ = s.CompleteTimer(ctx, "radius:req_1", second.Token)
	if !ok {
		t.Fatal("complete with live token should apply")
	}
	if _, err := s.GetTimer(ctx, "radius:req_1"); !errors.Is(err, haul.ErrTimerNotFound) {
		t.Errorf("GetTimer after complete err = %v", err)
	}
}

func TestLeases_SingleHolder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const racers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held []*lease.Lease
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := lease.Acquire(ctx, s, lease.AcceptKey("req_1"), time.Second)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if l != nil {
				mu.Lock()
				held = append(held, l)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(held) != 1 {
		t.Fatalf("holders = %d, want 1", len(held))
	}

	if err := s.ReleaseLease(ctx, lease.AcceptKey("req_1"), "someone-else"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, lease.AcceptKey("req_1"), "x", time.Second); ok {
		t.Fatal("foreign release must not free the lease")
	}
	held[0].Release(ctx)
	if ok, _ := s.AcquireLease(ctx, lease.AcceptKey("req_1"), "x", time.Second); !ok {
		t.Fatal("lease should be free after release")
	}
}

func TestNotified_AddReturnsOnlyNew(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	fresh, err := s.AddNotified(ctx, "req_1", []string{"a", "b"}, time.Minute)
	if err != nil {
		t.Fatalf("AddNotified: %v", err)
	}
	slices.Sort(fresh)
	if !slices.Equal(fresh, []string{"a", "b"}) {
		t.Errorf("first add = %v", fresh)
	}

	fresh, _ = s.AddNotified(ctx, "req_1", []string{"b", "c"}, time.Minute)
	if !slices.Equal(fresh, []string{"c"}) {
		t.Errorf("second add = %v, want [c]", fresh)
	}

	members, _ := s.NotifiedMembers(ctx, "req_1")
	if !slices.Equal(members, []string{"a", "b", "c"}) {
		t.Errorf("members = %v", members)
	}
	if err := s.ClearNotified(ctx, "req_1"); err != nil {
		t.Fatalf("ClearNotified: %v", err)
	}
	members, _ = s.NotifiedMembers(ctx, "req_1")
	if len(members) != 0 {
		t.Errorf("members after clear = %v", members)
	}
}

func TestMarker_CompareAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ok, _ := s.SetMarker(ctx, "cust_1", "req_1", time.Minute)
	if !ok {
		t.Fatal("first marker should set")
	}
	ok, _ = s.SetMarker(ctx, "cust_1", "req_2", time.Minute)
	if ok {
		t.Fatal("second marker must not overwrite")
	}
	if cleared, _ := s.ClearMarker(ctx, "cust_1", "req_2"); cleared {
		t.Fatal("clear with another request id must not delete")
	}
	if v, _ := s.GetMarker(ctx, "cust_1"); v != "req_1" {
		t.Fatalf("marker = %q", v)
	}
	if cleared, _ := s.ClearMarker(ctx, "cust_1", "req_1"); !cleared {
		t.Fatal("clear with owning id should delete")
	}
	if v, _ := s.GetMarker(ctx, "cust_1"); v != "" {
		t.Fatalf("marker after clear = %q", v)
	}
}

func TestPresence_ConnectivityAndGeo(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	center := haul.Point{Lat: 12.9716, Lon: 77.5946}

	for i, km := range []float64{1, 4, 20} {
		actor := fmt.Sprintf("tr_%d", i)
		if err := s.OpenConnectivity(ctx, actor, time.Minute); err != nil {
			t.Fatalf("OpenConnectivity: %v", err)
		}
		at := haul.Point{Lat: center.Lat + km/111.2, Lon: center.Lon}
		if err := s.UpdatePosition(ctx, actor, []string{"open"}, at); err != nil {
			t.Fatalf("UpdatePosition: %v", err)
		}
	}

	near, err := s.Nearby(ctx, "open", center, 5, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if !slices.Equal(near, []string{"tr_0", "tr_1"}) {
		t.Errorf("nearby = %v", near)
	}

	if err := s.CloseConnectivity(ctx, "tr_1"); err != nil {
		t.Fatalf("CloseConnectivity: %v", err)
	}
	live, _ := s.FilterConnected(ctx, []string{"tr_0", "tr_1", "tr_2"})
	if !slices.Equal(live, []string{"tr_0", "tr_2"}) {
		t.Errorf("connected = %v", live)
	}
	if ok, _ := s.RefreshConnectivity(ctx, "tr_1", time.Minute); ok {
		t.Error("refresh must not recreate a closed key")
	}
}

func TestPresence_ToggleWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 3 {
		if err := s.RecordToggle(ctx, "tr_1", base.Add(time.Duration(i)*20*time.Second), 30*time.Second); err != nil {
			t.Fatalf("RecordToggle: %v", err)
		}
	}
	hist, err := s.ToggleHistory(ctx, "tr_1", base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("ToggleHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("history = %d entries, want 2", len(hist))
	}
}

func TestIdempotency_RememberRecall(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.Recall(ctx, "accept:x"); ok {
		t.Fatal("unexpected hit")
	}
	if err := s.Remember(ctx, "accept:x", []byte(`{"ok":true}`), time.Minute); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	v, ok, err := s.Recall(ctx, "accept:x")
	if err != nil || !ok || string(v) != `{"ok":true}` {
		t.Errorf("Recall = %s, %v, %v", v, ok, err)
	}
}

func TestIdempotency_ReserveForget(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if ok, err := s.Reserve(ctx, "create:c:t", []byte("r1"), time.Minute); err != nil || !ok {
		t.Fatalf("first Reserve = %v, %v", ok, err)
	}
	if ok, _ := s.Reserve(ctx, "create:c:t", []byte("r2"), time.Minute); ok {
		t.Fatal("second Reserve succeeded")
	}
	if v, _, _ := s.Recall(ctx, "create:c:t"); string(v) != "r1" {
		t.Errorf("Recall = %s, want r1", v)
	}
	if err := s.Forget(ctx, "create:c:t"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if ok, _ := s.Reserve(ctx, "create:c:t", []byte("r3"), time.Minute); !ok {
		t.Error("Reserve after Forget failed")
	}
}
