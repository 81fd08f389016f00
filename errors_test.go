package haul_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/haul"
)

func TestConflictErrorMatching(t *testing.T) {
	err := fmt.Errorf("accept: %w", haul.Conflict(haul.ErrDemandUnitTaken, "req_1", "partially_filled"))

	if !errors.Is(err, haul.ErrConflict) {
		t.Error("expected conflict to match ErrConflict")
	}
	if !errors.Is(err, haul.ErrDemandUnitTaken) {
		t.Error("expected conflict to unwrap to its reason")
	}

	var ce *haul.ConflictError
	if !errors.As(err, &ce) {
		t.Fatal("expected *ConflictError")
	}
	if ce.State != "partially_filled" {
		t.Errorf("State = %q, want partially_filled", ce.State)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		transient bool
		domain    bool
	}{
		{"not found", haul.ErrRequestNotFound, true, false, true},
		{"validation", haul.Invalid("trucks_needed", "must be positive"), false, false, true},
		{"toggle in progress", haul.ErrToggleInProgress, false, true, true},
		{"store unavailable", fmt.Errorf("x: %w", haul.ErrStoreUnavailable), false, true, false},
		{"rate limited", haul.ErrRateLimited, false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := haul.IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := haul.IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := haul.IsDomain(tt.err); got != tt.domain {
				t.Errorf("IsDomain = %v, want %v", got, tt.domain)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := haul.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Steps = []haul.Step{{RadiusKm: 25}, {RadiusKm: 10}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for decreasing radii")
	}
}

func TestDistanceKm(t *testing.T) {
	// Bengaluru to Mysuru is roughly 128 km as the crow flies.
	blr := haul.Point{Lat: 12.9716, Lon: 77.5946}
	mys := haul.Point{Lat: 12.2958, Lon: 76.6394}

	d := blr.DistanceKm(mys)
	if d < 120 || d > 135 {
		t.Errorf("DistanceKm = %.1f, want about 128", d)
	}
	if blr.DistanceKm(blr) != 0 {
		t.Error("expected zero distance to self")
	}
}
