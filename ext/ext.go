package ext

import (
	"context"
	"time"

	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Broadcast lifecycle hooks
// ──────────────────────────────────────────────────

// BroadcastCreated is called after a request is created and its first
// discovery step ran.
type BroadcastCreated interface {
	OnBroadcastCreated(ctx context.Context, r *broadcast.Request, matched int) error
}

// StepCompleted is called after each discovery step.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, r *broadcast.Request, res discovery.StepResult) error
}

// AssignmentCreated is called after a demand unit is won.
type AssignmentCreated interface {
	OnAssignmentCreated(ctx context.Context, r *broadcast.Request, a *broadcast.Assignment) error
}

// AcceptRejected is called when an accept loses a race or is refused.
type AcceptRejected interface {
	OnAcceptRejected(ctx context.Context, requestID string, err error) error
}

// BroadcastTerminal is called once terminal effects of a request finished.
type BroadcastTerminal interface {
	OnBroadcastTerminal(ctx context.Context, r *broadcast.Request) error
}

// ──────────────────────────────────────────────────
// Timer hooks
// ──────────────────────────────────────────────────

// TimerCompleted is called after a timer handler succeeded.
type TimerCompleted interface {
	OnTimerCompleted(ctx context.Context, e *timer.Entry, elapsed time.Duration) error
}

// TimerFailed is called when a timer handler failed and will be retried.
type TimerFailed interface {
	OnTimerFailed(ctx context.Context, e *timer.Entry, err error) error
}

// TimerAbandoned is called when a timer exhausted its attempts.
type TimerAbandoned interface {
	OnTimerAbandoned(ctx context.Context, e *timer.Entry, err error) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// PresenceChanged is called after an actor's online intent changed.
type PresenceChanged interface {
	OnPresenceChanged(ctx context.Context, actorID string, online bool) error
}

// EventDropped is called when the outbox gives up on an event.
type EventDropped interface {
	OnEventDropped(ctx context.Context, e notify.Event, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
