package lease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/store/memory"
)

func TestAcquire(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	l, err := lease.Acquire(ctx, s, lease.AcceptKey("req_1"), time.Minute)
	if err != nil || l == nil {
		t.Fatalf("Acquire = %v, %v", l, err)
	}
	if l.Key() != "accept:req_1" || l.Owner() == "" {
		t.Errorf("lease = %s/%s", l.Key(), l.Owner())
	}

	held, err := lease.Acquire(ctx, s, lease.AcceptKey("req_1"), time.Minute)
	if err != nil || held != nil {
		t.Fatalf("second Acquire = %v, %v; want nil lease", held, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Release(cancelled); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, _ := lease.Acquire(ctx, s, lease.AcceptKey("req_1"), time.Minute)
	if again == nil {
		t.Fatal("lease not released under a cancelled context")
	}
}

func TestAcquireWait(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	bo := backoff.NewConstant(time.Millisecond)

	first, _ := lease.Acquire(ctx, s, "k", time.Minute)
	if _, err := lease.AcquireWait(ctx, s, "k", time.Minute, 3, bo); !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("AcquireWait on held key = %v, want ErrHeld", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = first.Release(ctx)
	}()
	l, err := lease.AcquireWait(ctx, s, "k", time.Minute, 200, bo)
	if err != nil || l == nil {
		t.Fatalf("AcquireWait after release = %v, %v", l, err)
	}
}

func TestAcquire_StoreError(t *testing.T) {
	s := memory.New()
	boom := errors.New("boom")
	s.FailNext("AcquireLease", boom)
	if _, err := lease.Acquire(context.Background(), s, "k", time.Second); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
