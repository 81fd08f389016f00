package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/haul"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/id"
)

func (m *Machine) handleExpiry(ctx context.Context, p expiryPayload) error {
	return m.Expire(ctx, p.RequestID)
}

// handleRadius runs step p.Step for a request and schedules the next one.
// A step that already ran (currentStep has reached it) only re-ensures the
// following timer, so a retried or duplicated timer never alerts twice.
func (m *Machine) handleRadius(ctx context.Context, p radiusPayload) error {
	rid, err := id.ParseRequestID(p.RequestID)
	if err != nil {
		// Malformed payloads never become valid; drop the timer.
		m.logger.Error("lifecycle: bad radius payload", slog.String("request_id", p.RequestID))
		return nil
	}
	r, err := m.requests.GetRequest(ctx, rid)
	if errors.Is(err, haul.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return guard.Unavailable("haul/lifecycle", "load request", err)
	}
	if !r.State.Open() || r.Remaining() <= 0 {
		return nil
	}

	plans := m.planner.Plan(r.Pickup, r.Vehicle, r.TrucksNeeded)
	if p.Step >= len(plans) {
		return nil
	}
	log := m.requestLogger(r).With(slog.Int("step", p.Step))

	if r.CurrentStep < p.Step {
		res := m.dispatcher.Run(ctx, p.RequestID, plans[p.Step])
		m.publishOffers(ctx, r, res.New)

		advanced, err := m.requests.AdvanceStep(ctx, rid, r.CurrentStep, p.Step)
		if err != nil {
			return guard.Unavailable("haul/lifecycle", "advance step", err)
		}
		if !advanced {
			log.Debug("lifecycle: step advanced concurrently")
		}
		r.CurrentStep = p.Step
		m.extensions.EmitStepCompleted(ctx, r, res)
		log.Info("lifecycle: radius step ran",
			slog.Bool("fallback", plans[p.Step].Fallback),
			slog.Int("new", len(res.New)),
			slog.Bool("degraded", res.Degraded),
		)
	}

	next := p.Step + 1
	if next >= len(plans) {
		return nil
	}
	at := m.now().Add(plans[p.Step].Wait)
	if at.After(r.ExpiresAt) {
		// The expiry timer ends the request before the next step is due.
		return nil
	}
	if err := m.scheduleRadius(ctx, p.RequestID, next, at); err != nil {
		return guard.Unavailable("haul/lifecycle", "schedule next step", err)
	}
	return nil
}

// DeliverOpen alerts a newly online actor to open requests it can serve
// and has not been alerted to yet. It matches presence.OnlineHook and
// never fails: every error is logged.
func (m *Machine) DeliverOpen(ctx context.Context, actorID string, capabilities []string) {
	if len(capabilities) == 0 {
		return
	}
	log := m.logger.With(slog.String("actor_id", actorID))

	open, err := m.requests.ListOpenRequests(ctx, capabilities, m.config.DeliveryBatch)
	if err != nil {
		log.Warn("lifecycle: catch-up delivery skipped", slog.String("error", err.Error()))
		return
	}

	delivered := 0
	for _, r := range open {
		if r.CustomerID == actorID {
			continue
		}
		fresh, err := m.dispatcher.Offer(ctx, r.ID.String(), []string{actorID})
		if err != nil {
			log.Warn("lifecycle: catch-up offer failed",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.publishOffers(ctx, r, fresh)
		delivered += len(fresh)
	}
	if delivered > 0 {
		log.Info("lifecycle: catch-up delivery", slog.Int("requests", delivered))
	}
}
