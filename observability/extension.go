package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.BroadcastCreated  = (*MetricsExtension)(nil)
	_ ext.StepCompleted     = (*MetricsExtension)(nil)
	_ ext.AssignmentCreated = (*MetricsExtension)(nil)
	_ ext.AcceptRejected    = (*MetricsExtension)(nil)
	_ ext.BroadcastTerminal = (*MetricsExtension)(nil)
	_ ext.TimerCompleted    = (*MetricsExtension)(nil)
	_ ext.TimerFailed       = (*MetricsExtension)(nil)
	_ ext.TimerAbandoned    = (*MetricsExtension)(nil)
	_ ext.PresenceChanged   = (*MetricsExtension)(nil)
	_ ext.EventDropped      = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/haul/observability"

// MetricsExtension records system-wide lifecycle metrics. Register it as
// an extension to track broadcast volume, notification reach, accept
// contention and timer health.
type MetricsExtension struct {
	BroadcastCreated  metric.Int64Counter
	CandidatesMatched metric.Int64Counter
	StepsDegraded     metric.Int64Counter
	AssignmentCreated metric.Int64Counter
	AcceptRejected    metric.Int64Counter
	BroadcastTerminal metric.Int64Counter
	TimerCompleted    metric.Int64Counter
	TimerFailed       metric.Int64Counter
	TimerAbandoned    metric.Int64Counter
	PresenceToggled   metric.Int64Counter
	EventDropped      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		BroadcastCreated:  counter("haul.broadcast.created", "Broadcast requests created"),
		CandidatesMatched: counter("haul.broadcast.candidates", "Candidates newly notified by discovery steps"),
		StepsDegraded:     counter("haul.broadcast.steps_degraded", "Discovery steps that ran degraded"),
		AssignmentCreated: counter("haul.assignment.created", "Demand units won"),
		AcceptRejected:    counter("haul.accept.rejected", "Accepts that lost a race or were refused"),
		BroadcastTerminal: counter("haul.broadcast.terminal", "Requests that reached a terminal state"),
		TimerCompleted:    counter("haul.timer.completed", "Timer handlers that succeeded"),
		TimerFailed:       counter("haul.timer.failed", "Timer handler failures that will be retried"),
		TimerAbandoned:    counter("haul.timer.abandoned", "Timers dropped after exhausting attempts"),
		PresenceToggled:   counter("haul.presence.toggled", "Presence intent changes"),
		EventDropped:      counter("haul.notify.dropped", "Events the outbox gave up on"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Broadcast lifecycle hooks ───────────────────────

// OnBroadcastCreated implements ext.BroadcastCreated.
func (m *MetricsExtension) OnBroadcastCreated(ctx context.Context, r *broadcast.Request, _ int) error {
	m.BroadcastCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("vehicle", r.Vehicle.Capability())))
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, _ *broadcast.Request, res discovery.StepResult) error {
	m.CandidatesMatched.Add(ctx, int64(len(res.New)), metric.WithAttributes(attribute.Int("step", res.Step)))
	if res.Degraded {
		m.StepsDegraded.Add(ctx, 1)
	}
	return nil
}

// OnAssignmentCreated implements ext.AssignmentCreated.
func (m *MetricsExtension) OnAssignmentCreated(ctx context.Context, _ *broadcast.Request, _ *broadcast.Assignment) error {
	m.AssignmentCreated.Add(ctx, 1)
	return nil
}

// OnAcceptRejected implements ext.AcceptRejected.
func (m *MetricsExtension) OnAcceptRejected(ctx context.Context, _ string, err error) error {
	m.AcceptRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
	return nil
}

// OnBroadcastTerminal implements ext.BroadcastTerminal.
func (m *MetricsExtension) OnBroadcastTerminal(ctx context.Context, r *broadcast.Request) error {
	m.BroadcastTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(r.State))))
	return nil
}

// ── Timer hooks ─────────────────────────────────────

// OnTimerCompleted implements ext.TimerCompleted.
func (m *MetricsExtension) OnTimerCompleted(ctx context.Context, e *timer.Entry, _ time.Duration) error {
	m.TimerCompleted.Add(ctx, 1, kindAttr(e))
	return nil
}

// OnTimerFailed implements ext.TimerFailed.
func (m *MetricsExtension) OnTimerFailed(ctx context.Context, e *timer.Entry, _ error) error {
	m.TimerFailed.Add(ctx, 1, kindAttr(e))
	return nil
}

// OnTimerAbandoned implements ext.TimerAbandoned.
func (m *MetricsExtension) OnTimerAbandoned(ctx context.Context, e *timer.Entry, _ error) error {
	m.TimerAbandoned.Add(ctx, 1, kindAttr(e))
	return nil
}

// ── Other hooks ─────────────────────────────────────

// OnPresenceChanged implements ext.PresenceChanged.
func (m *MetricsExtension) OnPresenceChanged(ctx context.Context, _ string, online bool) error {
	m.PresenceToggled.Add(ctx, 1, metric.WithAttributes(attribute.Bool("online", online)))
	return nil
}

// OnEventDropped implements ext.EventDropped.
func (m *MetricsExtension) OnEventDropped(ctx context.Context, e notify.Event, _ error) error {
	m.EventDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	return nil
}

func kindAttr(e *timer.Entry) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", string(e.Kind)))
}

func rejectReason(err error) string {
	var ce *haul.ConflictError
	switch {
	case errors.As(err, &ce) && ce.Reason != nil:
		return ce.Reason.Error()
	case errors.Is(err, haul.ErrLockContention):
		return "contention"
	case errors.Is(err, haul.ErrValidation):
		return "validation"
	default:
		return "other"
	}
}
