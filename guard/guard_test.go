package guard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/haul"
	"github.com/xraph/haul/guard"
)

func TestRunner(t *testing.T) {
	r := guard.New("test", nil)
	ctx := context.Background()
	errBoom := errors.New("connection refused")

	tests := []struct {
		name        string
		class       guard.Class
		err         error
		wantNil     bool
		unavailable bool
		conflict    bool
	}{
		{"best effort swallows", guard.BestEffort, errBoom, true, false, false},
		{"must succeed wraps infra", guard.MustSucceed, errBoom, false, true, false},
		{"must succeed keeps conflict", guard.MustSucceed, haul.Conflict(haul.ErrRequestClosed, "r", "expired"), false, false, true},
		{"success", guard.MustSucceed, nil, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Do(ctx, tt.class, "op", func(context.Context) error { return tt.err })
			if (err == nil) != tt.wantNil {
				t.Fatalf("err = %v, wantNil %v", err, tt.wantNil)
			}
			if errors.Is(err, haul.ErrStoreUnavailable) != tt.unavailable {
				t.Errorf("unavailable = %v, want %v", !tt.unavailable, tt.unavailable)
			}
			if errors.Is(err, haul.ErrConflict) != tt.conflict {
				t.Errorf("conflict = %v, want %v", !tt.conflict, tt.conflict)
			}
		})
	}
}

func TestUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := guard.Unavailable("lifecycle", "schedule expiry", cause)
	if !errors.Is(err, cause) || !errors.Is(err, haul.ErrStoreUnavailable) {
		t.Fatalf("err = %v lost its chain", err)
	}
	if guard.Unavailable("x", "y", nil) != nil {
		t.Error("nil error must stay nil")
	}
}
