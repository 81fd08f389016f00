// Package presence tracks which actors may receive broadcasts. An actor is
// online when its durable Intent is true and its heartbeat-driven
// connectivity key exists.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/lease"
)

// OnlineHook runs after an actor goes online. It is fire-and-forget: the
// toggle has already succeeded and hook failures are the hook's concern.
type OnlineHook func(ctx context.Context, actorID string, capabilities []string)

// Toggle is a request to change an actor's online intent.
type Toggle struct {
	ActorID      string
	Online       bool
	Capabilities []string
}

// Registry is the presence and online registry.
type Registry struct {
	store  Store
	leases lease.Store
	logger *slog.Logger
	now    func() time.Time

	connectivityTTL time.Duration
	cooldown        time.Duration
	window          time.Duration
	windowMax       int
	leaseTTL        time.Duration
	hookTimeout     time.Duration

	onOnline   OnlineHook
	hooks      sync.WaitGroup
	extensions *ext.Registry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithConnectivityTTL sets the connectivity key lifetime.
func WithConnectivityTTL(d time.Duration) Option {
	return func(r *Registry) { r.connectivityTTL = d }
}

// WithRateLimit sets the toggle cooldown and sliding-window cap.
func WithRateLimit(cooldown, window time.Duration, maxToggles int) Option {
	return func(r *Registry) {
		r.cooldown = cooldown
		r.window = window
		r.windowMax = maxToggles
	}
}

// WithLeaseTTL sets the TTL of the per-actor toggle lease.
func WithLeaseTTL(d time.Duration) Option { return func(r *Registry) { r.leaseTTL = d } }

// WithOnlineHook sets the hook run after an actor goes online.
func WithOnlineHook(h OnlineHook) Option { return func(r *Registry) { r.onOnline = h } }

// WithExtensions sets the registry notified of intent changes.
func WithExtensions(x *ext.Registry) Option { return func(r *Registry) { r.extensions = x } }

// WithClock overrides the time source used for rate limiting.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates a Registry.
func NewRegistry(store Store, leases lease.Store, opts ...Option) *Registry {
	cfg := haul.DefaultConfig()
	r := &Registry{
		store:           store,
		leases:          leases,
		logger:          slog.Default(),
		now:             time.Now,
		connectivityTTL: cfg.ConnectivityTTL,
		cooldown:        cfg.ToggleCooldown,
		window:          cfg.ToggleWindow,
		windowMax:       cfg.ToggleWindowMax,
		leaseTTL:        cfg.ToggleLeaseTTL,
		hookTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.extensions == nil {
		r.extensions = ext.NewRegistry(r.logger)
	}
	return r
}

// SetIntent changes an actor's online intent. It reports whether anything
// changed; asking for the current state is a no-op.
func (r *Registry) SetIntent(ctx context.Context, t Toggle) (bool, error) {
	if t.ActorID == "" {
		return false, haul.Invalid("actor_id", "is required")
	}

	l, err := lease.Acquire(ctx, r.leases, lease.ToggleKey(t.ActorID), r.leaseTTL)
	if err != nil {
		return false, unavailable("acquire toggle lease", err)
	}
	if l == nil {
		return false, haul.ErrToggleInProgress
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			r.logger.Warn("presence: release toggle lease",
				slog.String("actor_id", t.ActorID),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	intent, err := r.store.GetIntent(ctx, t.ActorID)
	if err != nil {
		return false, unavailable("get intent", err)
	}

	if !t.Online {
		if !intent {
			// Already offline. Make sure no connectivity key lingers.
			if err := r.store.CloseConnectivity(ctx, t.ActorID); err != nil {
				return false, unavailable("close connectivity", err)
			}
			return false, nil
		}
		if err := r.checkRate(ctx, t.ActorID); err != nil {
			return false, err
		}
		if err := r.goOffline(ctx, t.ActorID); err != nil {
			return false, err
		}
		r.extensions.EmitPresenceChanged(ctx, t.ActorID, false)
		return true, nil
	}

	caps, err := r.resolveCapabilities(ctx, t)
	if err != nil {
		return false, err
	}

	if intent {
		connected, err := r.store.FilterConnected(ctx, []string{t.ActorID})
		if err != nil {
			return false, unavailable("check connectivity", err)
		}
		if len(connected) == 1 {
			return false, nil
		}
		// Intent survived but the heartbeat lapsed: reconnect without
		// counting a toggle.
		if err := r.goOnline(ctx, t.ActorID, caps); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := r.checkRate(ctx, t.ActorID); err != nil {
		return false, err
	}
	if err := r.goOnline(ctx, t.ActorID, caps); err != nil {
		return false, err
	}
	r.extensions.EmitPresenceChanged(ctx, t.ActorID, true)
	return true, nil
}

// Heartbeat extends the actor's connectivity and records its position. It
// never creates connectivity: an actor that is offline stays offline.
func (r *Registry) Heartbeat(ctx context.Context, actorID string, at haul.Point) (bool, error) {
	if actorID == "" {
		return false, haul.Invalid("actor_id", "is required")
	}
	if !at.Valid() {
		return false, haul.Invalid("coordinates", "out of range")
	}

	refreshed, err := r.store.RefreshConnectivity(ctx, actorID, r.connectivityTTL)
	if err != nil {
		return false, unavailable("refresh connectivity", err)
	}
	if !refreshed {
		return false, nil
	}

	caps, err := r.store.Capabilities(ctx, actorID)
	if err != nil {
		return true, unavailable("get capabilities", err)
	}
	if err := r.store.UpdatePosition(ctx, actorID, caps, at); err != nil {
		return true, unavailable("update position", err)
	}
	return true, nil
}

// IsOnline reports whether the actor has intent and live connectivity.
func (r *Registry) IsOnline(ctx context.Context, actorID string) (bool, error) {
	intent, err := r.store.GetIntent(ctx, actorID)
	if err != nil {
		return false, unavailable("get intent", err)
	}
	if !intent {
		return false, nil
	}
	connected, err := r.store.FilterConnected(ctx, []string{actorID})
	if err != nil {
		return false, unavailable("check connectivity", err)
	}
	return len(connected) == 1, nil
}

// OnlineMembersFor returns the online actors serving capability. Members
// whose connectivity lapsed are pruned from the set as a side effect.
func (r *Registry) OnlineMembersFor(ctx context.Context, capability string) ([]string, error) {
	members, err := r.store.OnlineMembers(ctx, capability)
	if err != nil {
		return nil, unavailable("list online members", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	live, err := r.store.FilterConnected(ctx, members)
	if err != nil {
		return nil, unavailable("check connectivity", err)
	}

	if len(live) < len(members) {
		for _, m := range members {
			if slices.Contains(live, m) {
				continue
			}
			if err := r.store.RemoveOnline(ctx, m, []string{capability}); err != nil {
				r.logger.Debug("presence: prune stale member",
					slog.String("actor_id", m),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return live, nil
}

// Wait blocks until running online hooks return.
func (r *Registry) Wait() { r.hooks.Wait() }

func (r *Registry) goOnline(ctx context.Context, actorID string, caps []string) error {
	prev, err := r.store.Capabilities(ctx, actorID)
	if err != nil {
		return unavailable("get capabilities", err)
	}
	// Capabilities no longer declared must stop matching.
	var dropped []string
	for _, c := range prev {
		if !slices.Contains(caps, c) {
			dropped = append(dropped, c)
		}
	}
	if len(dropped) > 0 {
		if err := r.store.RemoveOnline(ctx, actorID, dropped); err != nil {
			return unavailable("remove online", err)
		}
		if err := r.store.RemovePosition(ctx, actorID, dropped); err != nil {
			return unavailable("remove position", err)
		}
	}

	if err := r.store.SetCapabilities(ctx, actorID, caps); err != nil {
		return unavailable("set capabilities", err)
	}
	if err := r.store.SetIntent(ctx, actorID, true); err != nil {
		return unavailable("set intent", err)
	}
	if err := r.store.OpenConnectivity(ctx, actorID, r.connectivityTTL); err != nil {
		return unavailable("open connectivity", err)
	}
	if err := r.store.AddOnline(ctx, actorID, caps); err != nil {
		return unavailable("add online", err)
	}

	r.logger.Info("presence: actor online",
		slog.String("actor_id", actorID),
		slog.Any("capabilities", caps),
	)

	if r.onOnline != nil {
		r.hooks.Add(1)
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.hookTimeout)
		go func() {
			defer r.hooks.Done()
			defer cancel()
			r.onOnline(hookCtx, actorID, caps)
		}()
	}
	return nil
}

func (r *Registry) goOffline(ctx context.Context, actorID string) error {
	if err := r.store.SetIntent(ctx, actorID, false); err != nil {
		return unavailable("set intent", err)
	}
	if err := r.store.CloseConnectivity(ctx, actorID); err != nil {
		return unavailable("close connectivity", err)
	}

	caps, err := r.store.Capabilities(ctx, actorID)
	if err != nil {
		return unavailable("get capabilities", err)
	}
	if err := r.store.RemoveOnline(ctx, actorID, caps); err != nil {
		return unavailable("remove online", err)
	}
	if err := r.store.RemovePosition(ctx, actorID, caps); err != nil {
		return unavailable("remove position", err)
	}

	r.logger.Info("presence: actor offline", slog.String("actor_id", actorID))
	return nil
}

func (r *Registry) resolveCapabilities(ctx context.Context, t Toggle) ([]string, error) {
	if len(t.Capabilities) > 0 {
		caps := slices.Clone(t.Capabilities)
		slices.Sort(caps)
		return slices.Compact(caps), nil
	}
	caps, err := r.store.Capabilities(ctx, t.ActorID)
	if err != nil {
		return nil, unavailable("get capabilities", err)
	}
	if len(caps) == 0 {
		return nil, haul.Invalid("capabilities", "required when going online for the first time")
	}
	return caps, nil
}

// checkRate enforces cooldown and the sliding-window cap, then records the
// toggle. The caller holds the toggle lease.
func (r *Registry) checkRate(ctx context.Context, actorID string) error {
	now := r.now().UTC()
	history, err := r.store.ToggleHistory(ctx, actorID, now.Add(-r.window))
	if err != nil {
		return unavailable("toggle history", err)
	}
	if n := len(history); n > 0 {
		if r.cooldown > 0 && now.Sub(history[n-1]) < r.cooldown {
			return fmt.Errorf("%w: toggle cooldown", haul.ErrRateLimited)
		}
		if r.windowMax > 0 && n >= r.windowMax {
			return fmt.Errorf("%w: %d toggles within %s", haul.ErrRateLimited, n, r.window)
		}
	}
	if err := r.store.RecordToggle(ctx, actorID, now, r.window); err != nil {
		return unavailable("record toggle", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return guard.Unavailable("presence", op, err)
}
