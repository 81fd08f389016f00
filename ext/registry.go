package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and fans lifecycle events out to
// them. Extensions are type-cached at registration so emit calls iterate
// only over those implementing the hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	broadcastCreated  []entry[BroadcastCreated]
	stepCompleted     []entry[StepCompleted]
	assignmentCreated []entry[AssignmentCreated]
	acceptRejected    []entry[AcceptRejected]
	broadcastTerminal []entry[BroadcastTerminal]
	timerCompleted    []entry[TimerCompleted]
	timerFailed       []entry[TimerFailed]
	timerAbandoned    []entry[TimerAbandoned]
	presenceChanged   []entry[PresenceChanged]
	eventDropped      []entry[EventDropped]
	shutdown          []entry[Shutdown]
}

// NewRegistry creates an extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func cache[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.broadcastCreated = cache(r.broadcastCreated, e)
	r.stepCompleted = cache(r.stepCompleted, e)
	r.assignmentCreated = cache(r.assignmentCreated, e)
	r.acceptRejected = cache(r.acceptRejected, e)
	r.broadcastTerminal = cache(r.broadcastTerminal, e)
	r.timerCompleted = cache(r.timerCompleted, e)
	r.timerFailed = cache(r.timerFailed, e)
	r.timerAbandoned = cache(r.timerAbandoned, e)
	r.presenceChanged = cache(r.presenceChanged, e)
	r.eventDropped = cache(r.eventDropped, e)
	r.shutdown = cache(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitBroadcastCreated notifies BroadcastCreated hooks.
func (r *Registry) EmitBroadcastCreated(ctx context.Context, req *broadcast.Request, matched int) {
	for _, e := range r.broadcastCreated {
		r.check("OnBroadcastCreated", e.name, e.hook.OnBroadcastCreated(ctx, req, matched))
	}
}

// EmitStepCompleted notifies StepCompleted hooks.
func (r *Registry) EmitStepCompleted(ctx context.Context, req *broadcast.Request, res discovery.StepResult) {
	for _, e := range r.stepCompleted {
		r.check("OnStepCompleted", e.name, e.hook.OnStepCompleted(ctx, req, res))
	}
}

// EmitAssignmentCreated notifies AssignmentCreated hooks.
func (r *Registry) EmitAssignmentCreated(ctx context.Context, req *broadcast.Request, a *broadcast.Assignment) {
	for _, e := range r.assignmentCreated {
		r.check("OnAssignmentCreated", e.name, e.hook.OnAssignmentCreated(ctx, req, a))
	}
}

// EmitAcceptRejected notifies AcceptRejected hooks.
func (r *Registry) EmitAcceptRejected(ctx context.Context, requestID string, cause error) {
	for _, e := range r.acceptRejected {
		r.check("OnAcceptRejected", e.name, e.hook.OnAcceptRejected(ctx, requestID, cause))
	}
}

// EmitBroadcastTerminal notifies BroadcastTerminal hooks.
func (r *Registry) EmitBroadcastTerminal(ctx context.Context, req *broadcast.Request) {
	for _, e := range r.broadcastTerminal {
		r.check("OnBroadcastTerminal", e.name, e.hook.OnBroadcastTerminal(ctx, req))
	}
}

// EmitTimerCompleted notifies TimerCompleted hooks.
func (r *Registry) EmitTimerCompleted(ctx context.Context, t *timer.Entry, elapsed time.Duration) {
	for _, e := range r.timerCompleted {
		r.check("OnTimerCompleted", e.name, e.hook.OnTimerCompleted(ctx, t, elapsed))
	}
}

// EmitTimerFailed notifies TimerFailed hooks.
func (r *Registry) EmitTimerFailed(ctx context.Context, t *timer.Entry, cause error) {
	for _, e := range r.timerFailed {
		r.check("OnTimerFailed", e.name, e.hook.OnTimerFailed(ctx, t, cause))
	}
}

// EmitTimerAbandoned notifies TimerAbandoned hooks.
func (r *Registry) EmitTimerAbandoned(ctx context.Context, t *timer.Entry, cause error) {
	for _, e := range r.timerAbandoned {
		r.check("OnTimerAbandoned", e.name, e.hook.OnTimerAbandoned(ctx, t, cause))
	}
}

// EmitPresenceChanged notifies PresenceChanged hooks.
func (r *Registry) EmitPresenceChanged(ctx context.Context, actorID string, online bool) {
	for _, e := range r.presenceChanged {
		r.check("OnPresenceChanged", e.name, e.hook.OnPresenceChanged(ctx, actorID, online))
	}
}

// EmitEventDropped notifies EventDropped hooks.
func (r *Registry) EmitEventDropped(ctx context.Context, ev notify.Event, cause error) {
	for _, e := range r.eventDropped {
		r.check("OnEventDropped", e.name, e.hook.OnEventDropped(ctx, ev, cause))
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

func (r *Registry) check(hook, name string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", name),
		slog.String("error", err.Error()),
	)
}
