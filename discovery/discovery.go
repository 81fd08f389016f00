// Package discovery finds candidate transporters for a request over
// progressively wider radii and makes sure no candidate is alerted twice
// for the same request.
package discovery

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
)

// GeoIndex answers radius queries over actor positions.
type GeoIndex interface {
	// Nearby returns up to limit actors serving capability within radiusKm
	// of center, nearest first.
	Nearby(ctx context.Context, capability string, center haul.Point, radiusKm float64, limit int) ([]string, error)
}

// NotifiedStore holds each request's NotifiedSet.
type NotifiedStore interface {
	// AddNotified adds actorIDs to the request's set and returns only the
	// ones that were not already members. The check and the add are atomic.
	AddNotified(ctx context.Context, requestID string, actorIDs []string, ttl time.Duration) ([]string, error)

	// NotifiedMembers returns the request's set.
	NotifiedMembers(ctx context.Context, requestID string) ([]string, error)

	// ClearNotified deletes the request's set.
	ClearNotified(ctx context.Context, requestID string) error
}

// Presence is the slice of the presence registry discovery needs.
type Presence interface {
	OnlineMembersFor(ctx context.Context, capability string) ([]string, error)
}

// StepPlan is one discovery step for a request.
type StepPlan struct {
	Index      int           `json:"index"`
	Center     haul.Point    `json:"center"`
	Capability string        `json:"capability"`
	RadiusKm   float64       `json:"radius_km"`
	Wait       time.Duration `json:"wait"`
	Limit      int           `json:"limit"`

	// Fallback ignores the radius and takes every online, type-matching
	// actor.
	Fallback bool `json:"fallback"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step  int
	Found int

	// New are the candidates alerted for the first time by this step.
	New []string

	// Degraded is set when a lookup failed and the step was treated as
	// empty.
	Degraded bool
}

// Planner turns configuration into per-request step plans.
type Planner struct {
	steps    []haul.Step
	fallback bool
	minLimit int
}

// NewPlanner creates a Planner from cfg.
func NewPlanner(cfg haul.Config) *Planner {
	return &Planner{
		steps:    slices.Clone(cfg.Steps),
		fallback: cfg.FallbackScan,
		minLimit: cfg.StepCandidateLimit,
	}
}

// Plan returns the ordered steps for a request: one per radius ring and,
// if enabled, one trailing fallback scan.
func (p *Planner) Plan(pickup haul.Point, spec broadcast.VehicleSpec, trucksNeeded int) []StepPlan {
	limit := max(p.minLimit, trucksNeeded*10)
	plans := make([]StepPlan, 0, len(p.steps)+1)
	for i, s := range p.steps {
		plans = append(plans, StepPlan{
			Index:      i,
			Center:     pickup,
			Capability: spec.Capability(),
			RadiusKm:   s.RadiusKm,
			Wait:       s.Wait,
			Limit:      limit,
		})
	}
	if p.fallback {
		plans = append(plans, StepPlan{
			Index:      len(p.steps),
			Center:     pickup,
			Capability: spec.Capability(),
			Fallback:   true,
		})
	}
	return plans
}

// Dispatcher runs discovery steps.
type Dispatcher struct {
	geo      GeoIndex
	notified NotifiedStore
	presence Presence
	ttl      time.Duration
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithSetTTL sets the NotifiedSet lifetime.
func WithSetTTL(ttl time.Duration) Option { return func(d *Dispatcher) { d.ttl = ttl } }

// NewDispatcher creates a Dispatcher.
func NewDispatcher(geo GeoIndex, notified NotifiedStore, presence Presence, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		geo:      geo,
		notified: notified,
		presence: presence,
		ttl:      haul.DefaultConfig().Lifetime(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one step for a request. Lookup failures never abort the
// request: the step degrades to zero new candidates and the caller keeps
// advancing, with the fallback scan as backstop.
func (d *Dispatcher) Run(ctx context.Context, requestID string, plan StepPlan) StepResult {
	res := StepResult{Step: plan.Index}
	log := d.logger.With(
		slog.String("request_id", requestID),
		slog.Int("step", plan.Index),
		slog.Bool("fallback", plan.Fallback),
	)

	online, err := d.presence.OnlineMembersFor(ctx, plan.Capability)
	if err != nil {
		log.Warn("discovery: online lookup failed, step degraded", slog.String("error", err.Error()))
		res.Degraded = true
		return res
	}

	var candidates []string
	if plan.Fallback {
		candidates = online
	} else {
		nearby, err := d.geo.Nearby(ctx, plan.Capability, plan.Center, plan.RadiusKm, plan.Limit)
		if err != nil {
			log.Warn("discovery: geo query failed, step degraded", slog.String("error", err.Error()))
			res.Degraded = true
			return res
		}
		candidates = intersect(nearby, online)
	}
	res.Found = len(candidates)
	if len(candidates) == 0 {
		return res
	}

	fresh, err := d.notified.AddNotified(ctx, requestID, candidates, d.ttl)
	if err != nil {
		// Without a dedup record an alert could repeat on the next step.
		log.Warn("discovery: notified set update failed, step degraded", slog.String("error", err.Error()))
		res.Degraded = true
		return res
	}
	res.New = fresh

	log.Debug("discovery: step complete",
		slog.Float64("radius_km", plan.RadiusKm),
		slog.Int("found", res.Found),
		slog.Int("new", len(fresh)),
	)
	return res
}

// Offer adds actors to a request's NotifiedSet outside the step sequence
// (catch-up delivery) and returns the ones that were not yet notified.
func (d *Dispatcher) Offer(ctx context.Context, requestID string, actorIDs []string) ([]string, error) {
	return d.notified.AddNotified(ctx, requestID, actorIDs, d.ttl)
}

// intersect keeps the members of ordered that appear in set, preserving
// the order of ordered.
func intersect(ordered, set []string) []string {
	if len(ordered) == 0 || len(set) == 0 {
		return nil
	}
	in := make(map[string]struct{}, len(set))
	for _, s := range set {
		in[s] = struct{}{}
	}
	out := make([]string, 0, len(ordered))
	for _, o := range ordered {
		if _, ok := in[o]; ok {
			out = append(out, o)
		}
	}
	return out
}
