// Package acceptance arbitrates concurrent accepts so that every demand
// unit has exactly one winner.
//
// An accept takes a short advisory lease on the request to keep contention
// down, then claims the unit through the transactional store. The claim is
// the arbiter: it is a conditional write that loses cleanly when another
// accept got there first, whether or not the lease was honored.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/id"
	"github.com/xraph/haul/idempotency"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/notify"
)

// Input is one transporter's accept of one demand unit.
type Input struct {
	RequestID     string `json:"request_id" validate:"required"`
	DemandUnitID  string `json:"demand_unit_id" validate:"required"`
	TransporterID string `json:"transporter_id" validate:"required,max=128"`
	DriverID      string `json:"driver_id" validate:"required,max=128"`
	VehicleID     string `json:"vehicle_id" validate:"required,max=128"`

	// Token makes retries of the same accept replay the first result.
	Token string `json:"token,omitempty" validate:"max=128"`
}

// Result is the outcome of a winning accept.
type Result struct {
	RequestID       string `json:"request_id"`
	AssignmentID    string `json:"assignment_id"`
	TrucksConfirmed int    `json:"trucks_confirmed"`
	TrucksNeeded    int    `json:"trucks_needed"`
	IsFullyFilled   bool   `json:"is_fully_filled"`
}

// Verifier checks that a transporter may put this driver and vehicle on
// the request. Fleet data lives outside the engine. An ineligible fleet
// is reported as a *haul.ValidationError; any other error is treated as
// the verifier being unavailable.
type Verifier interface {
	VerifyFleet(ctx context.Context, transporterID, driverID, vehicleID string, spec broadcast.VehicleSpec) error
}

// AllowAll is a Verifier that accepts every fleet.
type AllowAll struct{}

// VerifyFleet implements Verifier.
func (AllowAll) VerifyFleet(context.Context, string, string, string, broadcast.VehicleSpec) error {
	return nil
}

// Finalizer runs terminal effects once the last truck is confirmed.
type Finalizer interface {
	FinalizeFilled(ctx context.Context, r *broadcast.Request) error
}

// NotifiedReader reads a request's NotifiedSet.
type NotifiedReader interface {
	NotifiedMembers(ctx context.Context, requestID string) ([]string, error)
}

// Protocol runs accepts.
type Protocol struct {
	store      broadcast.Store
	leases     lease.Store
	tokens     idempotency.Store
	notified   NotifiedReader
	publisher  notify.Publisher
	verifier   Verifier
	finalizer  Finalizer
	extensions *ext.Registry
	guard      *guard.Runner
	logger     *slog.Logger

	leaseTTL    time.Duration
	leaseTries  int
	leaseWait   backoff.Strategy
	maxAttempts int
	tokenTTL    time.Duration
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Protocol) { p.logger = l } }

// WithVerifier sets the fleet verifier. The default allows every fleet.
func WithVerifier(v Verifier) Option { return func(p *Protocol) { p.verifier = v } }

// WithFinalizer sets the collaborator run when a request fills up.
func WithFinalizer(f Finalizer) Option { return func(p *Protocol) { p.finalizer = f } }

// WithExtensions sets the extension registry.
func WithExtensions(x *ext.Registry) Option { return func(p *Protocol) { p.extensions = x } }

// WithLease sets the advisory lease TTL, the number of tries and the wait
// between them.
func WithLease(ttl time.Duration, tries int, wait backoff.Strategy) Option {
	return func(p *Protocol) {
		p.leaseTTL = ttl
		p.leaseTries = tries
		p.leaseWait = wait
	}
}

// WithMaxAttempts bounds claim transaction retries.
func WithMaxAttempts(n int) Option { return func(p *Protocol) { p.maxAttempts = n } }

// WithTokenTTL sets how long accept results are replayable.
func WithTokenTTL(d time.Duration) Option { return func(p *Protocol) { p.tokenTTL = d } }

// New creates a Protocol.
func New(
	store broadcast.Store,
	leases lease.Store,
	tokens idempotency.Store,
	notified NotifiedReader,
	publisher notify.Publisher,
	opts ...Option,
) *Protocol {
	cfg := haul.DefaultConfig()
	p := &Protocol{
		store:       store,
		leases:      leases,
		tokens:      tokens,
		notified:    notified,
		publisher:   publisher,
		verifier:    AllowAll{},
		logger:      slog.Default(),
		leaseTTL:    cfg.AcceptLeaseTTL,
		leaseTries:  cfg.AcceptLeaseTries,
		leaseWait:   backoff.NewExponentialWithJitter(50*time.Millisecond, 500*time.Millisecond),
		maxAttempts: cfg.AcceptMaxAttempts,
		tokenTTL:    cfg.AcceptIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.extensions == nil {
		p.extensions = ext.NewRegistry(p.logger)
	}
	p.guard = guard.New("haul/acceptance", p.logger)
	return p
}

// Accept claims one demand unit for one transporter.
//
// Losing a race returns a *haul.ConflictError carrying the request's
// current state. A busy lease after all tries returns
// haul.ErrLockContention. A lease store failure fails closed with
// haul.ErrStoreUnavailable.
func (p *Protocol) Accept(ctx context.Context, in Input) (*Result, error) {
	if err := haul.Validate(in); err != nil {
		return nil, err
	}
	reqID, err := id.ParseRequestID(in.RequestID)
	if err != nil {
		return nil, haul.Invalid("request_id", err.Error())
	}
	duID, err := id.ParseDemandUnitID(in.DemandUnitID)
	if err != nil {
		return nil, haul.Invalid("demand_unit_id", err.Error())
	}

	log := p.logger.With(
		slog.String("request_id", in.RequestID),
		slog.String("demand_unit_id", in.DemandUnitID),
		slog.String("transporter_id", in.TransporterID),
	)

	var tokenKey string
	if in.Token != "" {
		tokenKey = idempotency.Key("accept", in.RequestID, in.DemandUnitID, in.Token)
		if prior, ok := p.replay(ctx, tokenKey, log); ok {
			return prior, nil
		}
	}

	l, err := lease.AcquireWait(ctx, p.leases, lease.AcceptKey(in.RequestID), p.leaseTTL, p.leaseTries, p.leaseWait)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			err = fmt.Errorf("haul/acceptance: accept %s: %w", in.RequestID, haul.ErrLockContention)
			p.extensions.EmitAcceptRejected(ctx, in.RequestID, err)
			return nil, err
		}
		return nil, guard.Unavailable("haul/acceptance", "acquire accept lease", err)
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			log.Warn("acceptance: release lease", slog.String("error", relErr.Error()))
		}
	}()

	// A retry that queued behind its own first attempt replays that result.
	if tokenKey != "" {
		if prior, ok := p.replay(ctx, tokenKey, log); ok {
			return prior, nil
		}
	}

	res, err := p.claim(ctx, reqID, duID, in, log)
	if err != nil {
		if haul.IsDomain(err) {
			p.extensions.EmitAcceptRejected(ctx, in.RequestID, err)
		}
		return nil, err
	}

	if tokenKey != "" {
		p.guard.BestEffort(ctx, "remember accept token", func(ctx context.Context) error {
			return idempotency.Save(ctx, p.tokens, tokenKey, *res, p.tokenTTL)
		})
	}
	return res, nil
}

func (p *Protocol) replay(ctx context.Context, key string, log *slog.Logger) (*Result, bool) {
	prior, ok, err := idempotency.Load[Result](ctx, p.tokens, key)
	if err != nil {
		log.Warn("acceptance: token recall failed", slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &prior, true
}

func (p *Protocol) claim(ctx context.Context, reqID id.RequestID, duID id.DemandUnitID, in Input, log *slog.Logger) (*Result, error) {
	req, err := p.store.GetRequest(ctx, reqID)
	if err != nil {
		return nil, guard.Unavailable("haul/acceptance", "load request", err)
	}
	if !req.State.Open() {
		return nil, haul.Conflict(haul.ErrRequestClosed, in.RequestID, string(req.State))
	}

	if err := p.verifier.VerifyFleet(ctx, in.TransporterID, in.DriverID, in.VehicleID, req.Vehicle); err != nil {
		return nil, guard.Unavailable("haul/acceptance", "verify fleet", err)
	}

	out, err := p.store.ClaimDemandUnit(ctx, broadcast.Claim{
		RequestID:     reqID,
		DemandUnitID:  duID,
		TransporterID: in.TransporterID,
		DriverID:      in.DriverID,
		VehicleID:     in.VehicleID,
		MaxAttempts:   p.maxAttempts,
	})
	if err != nil {
		log.Info("acceptance: claim lost", slog.String("error", err.Error()))
		return nil, guard.Unavailable("haul/acceptance", "claim demand unit", err)
	}

	r, a := out.Request, out.Assignment
	log.Info("acceptance: demand unit assigned",
		slog.String("assignment_id", a.ID.String()),
		slog.Int("trucks_filled", r.TrucksFilled),
		slog.Int("trucks_needed", r.TrucksNeeded),
	)

	p.publishWin(ctx, r, a, log)
	p.extensions.EmitAssignmentCreated(ctx, r, a)

	if r.State == broadcast.StateFullyFilled && p.finalizer != nil {
		// The sweeper finalizes anything this misses.
		p.guard.BestEffort(ctx, "finalize filled request", func(ctx context.Context) error {
			return p.finalizer.FinalizeFilled(ctx, r)
		})
	}

	return &Result{
		RequestID:       r.ID.String(),
		AssignmentID:    a.ID.String(),
		TrucksConfirmed: r.TrucksFilled,
		TrucksNeeded:    r.TrucksNeeded,
		IsFullyFilled:   r.State == broadcast.StateFullyFilled,
	}, nil
}

func (p *Protocol) publishWin(ctx context.Context, r *broadcast.Request, a *broadcast.Assignment, log *slog.Logger) {
	reqID, asgID := r.ID.String(), a.ID.String()
	trip := map[string]any{
		"assignment_id":  asgID,
		"demand_unit_id": a.DemandUnitID.String(),
		"transporter_id": a.TransporterID,
		"driver_id":      a.DriverID,
		"vehicle_id":     a.VehicleID,
		"pickup":         r.Pickup,
		"drop":           r.Drop,
	}

	winners := []string{a.TransporterID}
	if a.DriverID != "" && a.DriverID != a.TransporterID {
		winners = append(winners, a.DriverID)
	}
	events := notify.Fanout(notify.KindTripAssigned, reqID, winners, asgID, trip)
	events = append(events, notify.NewEvent(notify.KindTruckConfirmed, reqID, r.CustomerID, asgID, map[string]any{
		"assignment_id":    asgID,
		"transporter_id":   a.TransporterID,
		"vehicle_id":       a.VehicleID,
		"trucks_confirmed": r.TrucksFilled,
		"trucks_needed":    r.TrucksNeeded,
	}))

	if remaining := r.Remaining(); remaining > 0 {
		recipients := []string{r.CustomerID}
		notified, err := p.notified.NotifiedMembers(ctx, reqID)
		if err != nil {
			log.Warn("acceptance: notified set unavailable, remaining update limited to customer",
				slog.String("error", err.Error()))
		}
		assigned, err := p.store.ListAssignments(ctx, r.ID)
		if err != nil {
			log.Warn("acceptance: list assignments", slog.String("error", err.Error()))
		}
		for _, n := range notified {
			if !slices.ContainsFunc(assigned, func(x *broadcast.Assignment) bool { return x.TransporterID == n }) {
				recipients = append(recipients, n)
			}
		}
		events = append(events, notify.Fanout(notify.KindTrucksRemaining, reqID, recipients,
			strconv.Itoa(r.TrucksFilled), map[string]any{
				"trucks_confirmed": r.TrucksFilled,
				"trucks_needed":    r.TrucksNeeded,
				"trucks_remaining": remaining,
			})...)
	}

	p.publisher.Publish(ctx, events...)
}
