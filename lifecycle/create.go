package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/id"
	"github.com/xraph/haul/idempotency"
	"github.com/xraph/haul/timer"
)

// CreateInput is a customer's new broadcast.
type CreateInput struct {
	CustomerID   string                `json:"customer_id" validate:"required,max=128"`
	Pickup       haul.Point            `json:"pickup"`
	Drop         haul.Point            `json:"drop"`
	Vehicle      broadcast.VehicleSpec `json:"vehicle"`
	TrucksNeeded int                   `json:"trucks_needed" validate:"min=1,max=50"`

	// Token makes retries of the same create return the first request.
	Token string `json:"token,omitempty" validate:"max=128"`
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Request *broadcast.Request

	// MatchedCount is the number of candidates alerted by the first step.
	MatchedCount int
}

type createRecord struct {
	RequestID    string `json:"request_id"`
	MatchedCount int    `json:"matched_count"`

	// Pending is set while the create that reserved the token runs.
	Pending bool `json:"pending,omitempty"`
}

type expiryPayload struct {
	RequestID string `json:"request_id"`
}

type radiusPayload struct {
	RequestID string `json:"request_id"`
	Step      int    `json:"step"`
}

// Create opens a broadcast for a customer.
//
// A customer has at most one open request. If a marker names another
// request that is missing or terminal, the marker is stale: it is cleared
// and the create retried once. Otherwise the active policy decides between
// a conflict carrying the prior request's state and cancelling it first.
//
// A token is reserved before anything else runs, so a duplicate that
// arrives while the first create is in flight waits for it and returns
// the same request.
func (m *Machine) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if err := haul.Validate(in); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r, units := broadcast.New(in.CustomerID, in.Pickup, in.Drop, in.Vehicle, in.TrucksNeeded,
		now.Add(m.config.BroadcastTimeout))
	if in.Token == "" {
		return m.create(ctx, r, units, now)
	}

	key := idempotency.Key("create", in.CustomerID, in.Token)
	reserved, err := idempotency.Claim(ctx, m.tokens, key,
		createRecord{RequestID: r.ID.String(), Pending: true}, m.config.CreateIdempotencyTTL)
	if err != nil {
		m.logger.Warn("lifecycle: create token reserve failed", slog.String("error", err.Error()))
		return m.create(ctx, r, units, now)
	}
	if !reserved {
		return m.replayCreate(ctx, key)
	}

	res, err := m.create(ctx, r, units, now)
	if err != nil {
		m.guard.BestEffort(ctx, "release create token", func(ctx context.Context) error {
			return m.tokens.Forget(ctx, key)
		})
		return nil, err
	}
	m.guard.BestEffort(ctx, "remember create token", func(ctx context.Context) error {
		return idempotency.Save(ctx, m.tokens, key, createRecord{
			RequestID:    r.ID.String(),
			MatchedCount: res.MatchedCount,
		}, m.config.CreateIdempotencyTTL)
	})
	return res, nil
}

func (m *Machine) create(ctx context.Context, r *broadcast.Request, units []*broadcast.DemandUnit, now time.Time) (*CreateResult, error) {
	log := m.requestLogger(r)

	if err := m.takeMarker(ctx, r); err != nil {
		return nil, err
	}

	if err := m.requests.CreateRequest(ctx, r, units); err != nil {
		m.guard.BestEffort(ctx, "release marker", func(ctx context.Context) error {
			_, err := m.markers.ClearMarker(ctx, r.CustomerID, r.ID.String())
			return err
		})
		return nil, guard.Unavailable("haul/lifecycle", "create request", err)
	}

	plans := m.planner.Plan(r.Pickup, r.Vehicle, r.TrucksNeeded)
	if err := m.scheduleInitial(ctx, r, plans, now); err != nil {
		// Nothing will ever expire this request; close it now.
		log.Error("lifecycle: schedule timers failed, cancelling request", slog.String("error", err.Error()))
		if cancelled, tErr := m.requests.TransitionRequest(ctx, r.ID, broadcast.OpenStates, broadcast.StateCancelled); tErr == nil {
			m.guard.BestEffort(ctx, "finalize unscheduled request", func(ctx context.Context) error {
				return m.finalize(ctx, cancelled)
			})
		}
		return nil, guard.Unavailable("haul/lifecycle", "schedule timers", err)
	}

	step := m.dispatcher.Run(ctx, r.ID.String(), plans[0])
	m.publishOffers(ctx, r, step.New)
	m.extensions.EmitStepCompleted(ctx, r, step)

	log.Info("lifecycle: broadcast created",
		slog.Int("trucks_needed", r.TrucksNeeded),
		slog.String("capability", r.Vehicle.Capability()),
		slog.Int("matched", len(step.New)),
	)
	m.extensions.EmitBroadcastCreated(ctx, r, len(step.New))

	return &CreateResult{Request: r, MatchedCount: len(step.New)}, nil
}

// replayCreate answers a duplicate create from the token's record. While
// the first create is still running it polls until the record settles.
// If the first create fails and releases the token, the duplicate gets
// haul.ErrLockContention and may retry.
func (m *Machine) replayCreate(ctx context.Context, key string) (*CreateResult, error) {
	for attempt := 1; ; attempt++ {
		rec, ok, err := idempotency.Load[createRecord](ctx, m.tokens, key)
		if err != nil {
			return nil, guard.Unavailable("haul/lifecycle", "recall create token", err)
		}
		if !ok {
			return nil, fmt.Errorf("haul/lifecycle: create token released: %w", haul.ErrLockContention)
		}
		rid, err := id.ParseRequestID(rec.RequestID)
		if err != nil {
			return nil, fmt.Errorf("haul/lifecycle: create token record: %w", err)
		}

		if !rec.Pending || attempt >= m.replayTries {
			r, err := m.requests.GetRequest(ctx, rid)
			switch {
			case err == nil:
				return &CreateResult{Request: r, MatchedCount: rec.MatchedCount}, nil
			case errors.Is(err, haul.ErrRequestNotFound) && rec.Pending:
				return nil, fmt.Errorf("haul/lifecycle: create %s still in flight: %w", rec.RequestID, haul.ErrLockContention)
			default:
				return nil, guard.Unavailable("haul/lifecycle", "load replayed request", err)
			}
		}
		if err := backoff.Wait(ctx, m.replayWait, attempt); err != nil {
			return nil, err
		}
	}
}

// takeMarker sets the customer's marker to r, resolving one prior marker.
func (m *Machine) takeMarker(ctx context.Context, r *broadcast.Request) error {
	ttl := m.config.Lifetime()
	for attempt := 0; ; attempt++ {
		ok, err := m.markers.SetMarker(ctx, r.CustomerID, r.ID.String(), ttl)
		if err != nil {
			return guard.Unavailable("haul/lifecycle", "set marker", err)
		}
		if ok {
			return nil
		}

		prior, err := m.markers.GetMarker(ctx, r.CustomerID)
		if err != nil {
			return guard.Unavailable("haul/lifecycle", "read marker", err)
		}
		state, err := m.resolvePrior(ctx, r.CustomerID, prior, attempt)
		if err != nil {
			return err
		}
		if state != "" {
			return haul.Conflict(haul.ErrActiveBroadcast, prior, state)
		}
	}
}

// resolvePrior tries to free the marker held by prior. It returns the
// prior request's state when the marker must stand.
func (m *Machine) resolvePrior(ctx context.Context, customerID, prior string, attempt int) (string, error) {
	if prior == "" {
		// Lapsed between set and read.
		if attempt > 0 {
			return "", fmt.Errorf("haul/lifecycle: set marker for %s: %w", customerID, haul.ErrLockContention)
		}
		return "", nil
	}

	var cur *broadcast.Request
	if rid, err := id.ParseRequestID(prior); err == nil {
		cur, err = m.requests.GetRequest(ctx, rid)
		if err != nil && !errors.Is(err, haul.ErrRequestNotFound) {
			return "", guard.Unavailable("haul/lifecycle", "load marked request", err)
		}
	}

	if cur != nil && cur.State.Open() && attempt == 0 && m.config.ActivePolicy == haul.PolicyReplace {
		m.logger.Info("lifecycle: replacing active broadcast",
			slog.String("customer_id", customerID),
			slog.String("request_id", prior),
		)
		if _, err := m.Cancel(ctx, customerID, prior); err != nil && !errors.Is(err, haul.ErrConflict) {
			return "", err
		}
		// Cancel clears the marker unless finalization failed.
		if _, err := m.markers.ClearMarker(ctx, customerID, prior); err != nil {
			return "", guard.Unavailable("haul/lifecycle", "clear replaced marker", err)
		}
		return "", nil
	}

	if cur != nil && cur.State.Open() {
		return string(cur.State), nil
	}
	if attempt > 0 {
		state := "unknown"
		if cur != nil {
			state = string(cur.State)
		}
		return state, nil
	}

	m.logger.Warn("lifecycle: clearing stale marker",
		slog.String("customer_id", customerID),
		slog.String("request_id", prior),
	)
	if _, err := m.markers.ClearMarker(ctx, customerID, prior); err != nil {
		return "", guard.Unavailable("haul/lifecycle", "clear stale marker", err)
	}
	return "", nil
}

func (m *Machine) scheduleInitial(ctx context.Context, r *broadcast.Request, plans []discovery.StepPlan, now time.Time) error {
	reqID := r.ID.String()
	exp, err := timer.NewEntry(timer.ExpiryKey(reqID), timer.KindExpiry, expiryPayload{RequestID: reqID}, r.ExpiresAt)
	if err != nil {
		return err
	}
	if err := m.timers.ScheduleTimer(ctx, exp); err != nil {
		return err
	}
	if len(plans) < 2 {
		return nil
	}
	return m.scheduleRadius(ctx, reqID, 1, now.Add(plans[0].Wait))
}

func (m *Machine) scheduleRadius(ctx context.Context, requestID string, step int, at time.Time) error {
	e, err := timer.NewEntry(timer.RadiusKey(requestID), timer.KindRadiusStep,
		radiusPayload{RequestID: requestID, Step: step}, at)
	if err != nil {
		return err
	}
	return m.timers.ScheduleTimer(ctx, e)
}
