package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/observability"
	"github.com/xraph/haul/timer"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	e, reader := newTestExtension()
	reg := ext.NewRegistry(nil)
	reg.Register(e)

	ctx := context.Background()
	req := &broadcast.Request{Vehicle: broadcast.VehicleSpec{Type: "open"}, State: broadcast.StateExpired}
	entry := &timer.Entry{Key: "expiry:req_1", Kind: timer.KindExpiry}

	reg.EmitBroadcastCreated(ctx, req, 2)
	reg.EmitStepCompleted(ctx, req, discovery.StepResult{Step: 0, New: []string{"a", "b", "c"}, Degraded: true})
	reg.EmitAssignmentCreated(ctx, req, &broadcast.Assignment{})
	reg.EmitAcceptRejected(ctx, "req_1", haul.Conflict(haul.ErrDemandUnitTaken, "req_1", "broadcasting"))
	reg.EmitAcceptRejected(ctx, "req_1", haul.ErrLockContention)
	reg.EmitBroadcastTerminal(ctx, req)
	reg.EmitTimerCompleted(ctx, entry, time.Millisecond)
	reg.EmitTimerFailed(ctx, entry, errors.New("x"))
	reg.EmitTimerAbandoned(ctx, entry, errors.New("x"))
	reg.EmitPresenceChanged(ctx, "tr_1", true)
	reg.EmitEventDropped(ctx, notify.Event{Kind: notify.KindNewBroadcast}, errors.New("x"))

	tests := []struct {
		name string
		want int64
	}{
		{"haul.broadcast.created", 1},
		{"haul.broadcast.candidates", 3},
		{"haul.broadcast.steps_degraded", 1},
		{"haul.assignment.created", 1},
		{"haul.accept.rejected", 2},
		{"haul.broadcast.terminal", 1},
		{"haul.timer.completed", 1},
		{"haul.timer.failed", 1},
		{"haul.timer.abandoned", 1},
		{"haul.presence.toggled", 1},
		{"haul.notify.dropped", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sum(t, reader, tt.name); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnAssignmentCreated(context.Background(), &broadcast.Request{}, &broadcast.Assignment{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
