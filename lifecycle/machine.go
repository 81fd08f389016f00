// Package lifecycle drives a broadcast request from creation to exactly
// one terminal outcome. It owns the per-customer exclusivity marker, the
// expiry and radius timer handlers, and terminal finalization.
//
// Every transition is a conditional write at the transactional store, so
// concurrent cancels, expiries and accepts resolve to a single winner no
// matter which replica runs them. Finalization is idempotent and safe to
// repeat after a crash.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/idempotency"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// MarkerStore holds the per-customer exclusivity marker.
type MarkerStore interface {
	// SetMarker names requestID as the customer's active request if no
	// marker exists. It reports false when one does.
	SetMarker(ctx context.Context, customerID, requestID string, ttl time.Duration) (bool, error)

	// GetMarker returns the request named by the marker, or "" if none.
	GetMarker(ctx context.Context, customerID string) (string, error)

	// ClearMarker deletes the marker only if it still names requestID.
	ClearMarker(ctx context.Context, customerID, requestID string) (bool, error)
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Requests   broadcast.Store
	Timers     timer.Store
	Markers    MarkerStore
	Notified   discovery.NotifiedStore
	Tokens     idempotency.Store
	Dispatcher *discovery.Dispatcher
	Publisher  notify.Publisher

	// Archive is optional. Without it terminal summaries are not kept and
	// a finalization re-run after the NotifiedSet is gone reaches only the
	// customer.
	Archive archive.Store
}

// Machine runs request lifecycles.
type Machine struct {
	requests   broadcast.Store
	timers     timer.Store
	markers    MarkerStore
	notified   discovery.NotifiedStore
	tokens     idempotency.Store
	dispatcher *discovery.Dispatcher
	publisher  notify.Publisher
	archive    archive.Store

	planner    *discovery.Planner
	config     haul.Config
	extensions *ext.Registry
	guard      *guard.Runner
	logger     *slog.Logger
	now        func() time.Time

	replayTries int
	replayWait  backoff.Strategy
}

// Option configures a Machine.
type Option func(*Machine)

// WithConfig sets the engine configuration. The radius steps, timeout,
// marker grace, active policy, create token TTL and delivery batch are
// read from it.
func WithConfig(cfg haul.Config) Option { return func(m *Machine) { m.config = cfg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithExtensions sets the extension registry.
func WithExtensions(x *ext.Registry) Option { return func(m *Machine) { m.extensions = x } }

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithReplayWait bounds how long a duplicate create waits for the create
// that holds its token.
func WithReplayWait(tries int, wait backoff.Strategy) Option {
	return func(m *Machine) {
		m.replayTries = tries
		m.replayWait = wait
	}
}

// New creates a Machine.
func New(deps Deps, opts ...Option) *Machine {
	m := &Machine{
		requests:   deps.Requests,
		timers:     deps.Timers,
		markers:    deps.Markers,
		notified:   deps.Notified,
		tokens:     deps.Tokens,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		archive:    deps.Archive,
		config:     haul.DefaultConfig(),
		logger:     slog.Default(),
		now:        time.Now,

		replayTries: 20,
		replayWait:  backoff.NewExponential(10*time.Millisecond, 250*time.Millisecond),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.extensions == nil {
		m.extensions = ext.NewRegistry(m.logger)
	}
	m.planner = discovery.NewPlanner(m.config)
	m.guard = guard.New("haul/lifecycle", m.logger)
	return m
}

// RegisterHandlers binds the expiry and radius-step handlers.
func (m *Machine) RegisterHandlers(r *timer.Registry) {
	timer.Handle(r, timer.KindExpiry, m.handleExpiry)
	timer.Handle(r, timer.KindRadiusStep, m.handleRadius)
}

func (m *Machine) requestLogger(r *broadcast.Request) *slog.Logger {
	return m.logger.With(
		slog.String("request_id", r.ID.String()),
		slog.String("customer_id", r.CustomerID),
	)
}

// offerData is the payload of a new_broadcast alert.
func offerData(r *broadcast.Request) map[string]any {
	return map[string]any{
		"customer_id":      r.CustomerID,
		"pickup":           r.Pickup,
		"drop":             r.Drop,
		"vehicle":          r.Vehicle,
		"trucks_needed":    r.TrucksNeeded,
		"trucks_remaining": r.Remaining(),
		"expires_at":       r.ExpiresAt,
	}
}

func (m *Machine) publishOffers(ctx context.Context, r *broadcast.Request, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	m.publisher.Publish(ctx, notify.Fanout(notify.KindNewBroadcast, r.ID.String(), recipients, "", offerData(r))...)
}
