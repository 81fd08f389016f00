package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.BroadcastCreated  = (*Extension)(nil)
	_ ext.StepCompleted     = (*Extension)(nil)
	_ ext.BroadcastTerminal = (*Extension)(nil)
	_ ext.AssignmentCreated = (*Extension)(nil)
	_ ext.AcceptRejected    = (*Extension)(nil)
	_ ext.TimerFailed       = (*Extension)(nil)
	_ ext.TimerAbandoned    = (*Extension)(nil)
	_ ext.PresenceChanged   = (*Extension)(nil)
	_ ext.EventDropped      = (*Extension)(nil)
)

// Recorder is the interface audit backends implement. It is defined here
// so the package does not depend on any particular backend.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// NewLogRecorder returns a Recorder writing each event as one log line.
// Critical events are logged at error level, warnings at warn.
func NewLogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}

		keys := make([]string, 0, len(evt.Metadata))
		for k := range evt.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := make([]any, 0, len(keys))
		for _, k := range keys {
			meta = append(meta, slog.Any(k, evt.Metadata[k]))
		}

		logger.Log(ctx, level, "audit",
			slog.String("action", evt.Action),
			slog.String("category", evt.Category),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.Group("meta", meta...),
		)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges haul lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Broadcast hooks ─────────────────────────────────

// OnBroadcastCreated implements ext.BroadcastCreated.
func (e *Extension) OnBroadcastCreated(ctx context.Context, r *broadcast.Request, matched int) error {
	return e.record(ctx, ActionBroadcastCreated, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryBroadcast, nil,
		"customer_id", r.CustomerID,
		"capability", r.Vehicle.Capability(),
		"trucks_needed", r.TrucksNeeded,
		"matched", matched,
	)
}

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, r *broadcast.Request, res discovery.StepResult) error {
	severity := SeverityInfo
	if res.Degraded {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionStepCompleted, severity, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryBroadcast, nil,
		"step", res.Step,
		"found", res.Found,
		"alerted", len(res.New),
		"degraded", res.Degraded,
	)
}

// OnBroadcastTerminal implements ext.BroadcastTerminal.
func (e *Extension) OnBroadcastTerminal(ctx context.Context, r *broadcast.Request) error {
	outcome := OutcomeSuccess
	if r.State != broadcast.StateFullyFilled {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionBroadcastTerminal, SeverityInfo, outcome,
		ResourceRequest, r.ID.String(), CategoryBroadcast, nil,
		"customer_id", r.CustomerID,
		"state", string(r.State),
		"trucks_needed", r.TrucksNeeded,
		"trucks_filled", r.TrucksFilled,
	)
}

// ── Acceptance hooks ────────────────────────────────

// OnAssignmentCreated implements ext.AssignmentCreated.
func (e *Extension) OnAssignmentCreated(ctx context.Context, r *broadcast.Request, a *broadcast.Assignment) error {
	return e.record(ctx, ActionAssignmentCreated, SeverityInfo, OutcomeSuccess,
		ResourceAssignment, a.ID.String(), CategoryAssignment, nil,
		"request_id", r.ID.String(),
		"demand_unit_id", a.DemandUnitID.String(),
		"transporter_id", a.TransporterID,
		"driver_id", a.DriverID,
		"vehicle_id", a.VehicleID,
		"trucks_filled", r.TrucksFilled,
	)
}

// OnAcceptRejected implements ext.AcceptRejected.
func (e *Extension) OnAcceptRejected(ctx context.Context, requestID string, err error) error {
	kv := []any{"request_id", requestID}
	var conflict *haul.ConflictError
	if errors.As(err, &conflict) {
		kv = append(kv, "state", conflict.State)
	}
	return e.record(ctx, ActionAcceptRejected, SeverityWarning, OutcomeFailure,
		ResourceRequest, requestID, CategoryAssignment, err, kv...)
}

// ── Timer hooks ─────────────────────────────────────

// OnTimerFailed implements ext.TimerFailed.
func (e *Extension) OnTimerFailed(ctx context.Context, t *timer.Entry, err error) error {
	return e.record(ctx, ActionTimerFailed, SeverityWarning, OutcomeFailure,
		ResourceTimer, t.Key, CategoryTimer, err,
		"kind", string(t.Kind),
		"attempt", t.Attempt,
	)
}

// OnTimerAbandoned implements ext.TimerAbandoned.
func (e *Extension) OnTimerAbandoned(ctx context.Context, t *timer.Entry, err error) error {
	return e.record(ctx, ActionTimerAbandoned, SeverityCritical, OutcomeFailure,
		ResourceTimer, t.Key, CategoryTimer, err,
		"kind", string(t.Kind),
		"attempt", t.Attempt,
	)
}

// ── Presence and delivery hooks ─────────────────────

// OnPresenceChanged implements ext.PresenceChanged.
func (e *Extension) OnPresenceChanged(ctx context.Context, actorID string, online bool) error {
	return e.record(ctx, ActionPresenceChanged, SeverityInfo, OutcomeSuccess,
		ResourceActor, actorID, CategoryPresence, nil,
		"online", online,
	)
}

// OnEventDropped implements ext.EventDropped.
func (e *Extension) OnEventDropped(ctx context.Context, ev notify.Event, err error) error {
	return e.record(ctx, ActionEventDropped, SeverityCritical, OutcomeFailure,
		ResourceEvent, ev.ID, CategoryNotify, err,
		"kind", string(ev.Kind),
		"request_id", ev.RequestID,
		"recipient", ev.Recipient,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
