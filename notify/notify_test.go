package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/notify"
)

func TestEventIDsAreDeterministic(t *testing.T) {
	a := notify.NewEvent(notify.KindBroadcastExpired, "req_1", "tr_1", "", nil)
	b := notify.NewEvent(notify.KindBroadcastExpired, "req_1", "tr_1", "", nil)
	c := notify.NewEvent(notify.KindBroadcastExpired, "req_1", "tr_2", "", nil)
	d := notify.NewEvent(notify.KindTrucksRemaining, "req_1", "tr_1", "1", nil)

	if a.ID != b.ID {
		t.Errorf("same content produced ids %q and %q", a.ID, b.ID)
	}
	if a.ID == c.ID || a.ID == d.ID {
		t.Error("distinct events share an id")
	}
	if a.Template != "haul.broadcast_expired" {
		t.Errorf("Template = %q", a.Template)
	}
}

func TestFanout(t *testing.T) {
	events := notify.Fanout(notify.KindNewBroadcast, "req_1", []string{"a", "b", "c"}, "", map[string]any{"step": 0})
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	seen := map[string]bool{}
	for _, e := range events {
		if seen[e.ID] {
			t.Errorf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := notify.CodecByName(name)
			if err != nil {
				t.Fatal(err)
			}
			in := notify.NewEvent(notify.KindTripAssigned, "req_1", "drv_1", "", map[string]any{"assignment_id": "asg_1"})
			data, err := codec.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			var out notify.Event
			if err := codec.Decode(data, &out); err != nil {
				t.Fatal(err)
			}
			if out.ID != in.ID || out.Kind != in.Kind || out.Data["assignment_id"] != "asg_1" {
				t.Errorf("decoded %+v", out)
			}
		})
	}

	if _, err := notify.CodecByName("xml"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestOutboxDeliversWithRetry(t *testing.T) {
	rec := notify.NewRecorder()
	rec.FailNext(2)

	ob := notify.NewOutbox(rec,
		notify.WithWorkers(1),
		notify.WithMaxAttempts(3),
		notify.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)
	if err := ob.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ob.Stop(context.Background()) //nolint:errcheck // test cleanup

	ob.Publish(context.Background(), notify.NewEvent(notify.KindTruckConfirmed, "req_1", "cust_1", "1", nil))

	waitFor(t, func() bool { return len(rec.Events()) == 1 })
	if rec.Calls() != 3 {
		t.Errorf("Calls = %d, want 3", rec.Calls())
	}
}

func TestOutboxDropsAfterMaxAttempts(t *testing.T) {
	rec := notify.NewRecorder()
	rec.FailNext(100)

	var mu sync.Mutex
	var dropped []error
	ob := notify.NewOutbox(rec,
		notify.WithWorkers(1),
		notify.WithMaxAttempts(2),
		notify.WithBackoff(backoff.NewConstant(time.Millisecond)),
		notify.WithDropHandler(func(_ context.Context, _ notify.Event, err error) {
			mu.Lock()
			dropped = append(dropped, err)
			mu.Unlock()
		}),
	)
	_ = ob.Start(context.Background())
	defer ob.Stop(context.Background()) //nolint:errcheck // test cleanup

	ob.Publish(context.Background(), notify.NewEvent(notify.KindNewBroadcast, "req_1", "tr_1", "", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(dropped[0], notify.ErrInjected) {
		t.Errorf("drop reason = %v", dropped[0])
	}
}

func TestOutboxFullAndClosed(t *testing.T) {
	rec := notify.NewRecorder()

	var mu sync.Mutex
	reasons := map[error]int{}
	ob := notify.NewOutbox(rec,
		notify.WithBuffer(1),
		notify.WithDropHandler(func(_ context.Context, _ notify.Event, err error) {
			mu.Lock()
			reasons[err]++
			mu.Unlock()
		}),
	)

	// Not started: the first event fits the buffer, the second does not.
	ob.Publish(context.Background(),
		notify.NewEvent(notify.KindNewBroadcast, "req_1", "a", "", nil),
		notify.NewEvent(notify.KindNewBroadcast, "req_1", "b", "", nil),
	)
	if ob.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", ob.Pending())
	}

	_ = ob.Stop(context.Background())
	ob.Publish(context.Background(), notify.NewEvent(notify.KindNewBroadcast, "req_1", "c", "", nil))

	mu.Lock()
	defer mu.Unlock()
	if reasons[notify.ErrOutboxFull] != 1 || reasons[notify.ErrOutboxClosed] != 1 {
		t.Errorf("reasons = %v", reasons)
	}
}
