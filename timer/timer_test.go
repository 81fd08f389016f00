package timer_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/haul/timer"
)

type stepPayload struct {
	RequestID string `json:"request_id"`
	Step      int    `json:"step"`
}

func TestNewEntryRotatesToken(t *testing.T) {
	due := time.Now().Add(time.Second)
	a, err := timer.NewEntry(timer.RadiusKey("req_1"), timer.KindRadiusStep, stepPayload{"req_1", 1}, due)
	if err != nil {
		t.Fatal(err)
	}
	b, err := timer.NewEntry(timer.RadiusKey("req_1"), timer.KindRadiusStep, stepPayload{"req_1", 2}, due)
	if err != nil {
		t.Fatal(err)
	}
	if a.Key != b.Key {
		t.Errorf("keys differ: %q vs %q", a.Key, b.Key)
	}
	if a.Token == "" || a.Token == b.Token {
		t.Errorf("expected distinct tokens, got %q and %q", a.Token, b.Token)
	}
}

func TestHandleDecodesPayload(t *testing.T) {
	reg := timer.NewRegistry()

	var got stepPayload
	timer.Handle(reg, timer.KindRadiusStep, func(_ context.Context, p stepPayload) error {
		got = p
		return nil
	})

	h, ok := reg.Get(timer.KindRadiusStep)
	if !ok {
		t.Fatal("handler not registered")
	}
	e, _ := timer.NewEntry("radius:req_9", timer.KindRadiusStep, stepPayload{"req_9", 3}, time.Now())
	if err := h(context.Background(), e); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got.RequestID != "req_9" || got.Step != 3 {
		t.Errorf("decoded %+v", got)
	}

	if _, ok := reg.Get(timer.KindExpiry); ok {
		t.Error("unexpected handler for expiry")
	}
	if len(reg.Kinds()) != 1 {
		t.Errorf("Kinds = %v", reg.Kinds())
	}
}

func TestHandleRejectsBadPayload(t *testing.T) {
	reg := timer.NewRegistry()
	timer.Handle(reg, timer.KindExpiry, func(context.Context, stepPayload) error { return nil })

	h, _ := reg.Get(timer.KindExpiry)
	err := h(context.Background(), &timer.Entry{Key: "expiry:x", Kind: timer.KindExpiry, Payload: []byte("{")})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRequestID(t *testing.T) {
	cases := map[string]string{
		timer.ExpiryKey("req_1"): "req_1",
		timer.RadiusKey("req_2"): "req_2",
		"sweep":                  "",
		"expiry":                 "",
	}
	for key, want := range cases {
		if got := timer.RequestID(key); got != want {
			t.Errorf("RequestID(%q) = %q, want %q", key, got, want)
		}
	}
}
