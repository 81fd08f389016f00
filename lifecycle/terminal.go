package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/id"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/timer"
)

// Cancel withdraws a customer's open request. A request owned by someone
// else is reported as not found. Losing to an accept or an expiry returns
// a *haul.ConflictError carrying the state that won.
func (m *Machine) Cancel(ctx context.Context, customerID, requestID string) (*broadcast.Request, error) {
	rid, err := id.ParseRequestID(requestID)
	if err != nil {
		return nil, haul.Invalid("request_id", err.Error())
	}
	r, err := m.requests.GetRequest(ctx, rid)
	if err != nil {
		return nil, guard.Unavailable("haul/lifecycle", "load request", err)
	}
	if r.CustomerID != customerID {
		return nil, fmt.Errorf("haul/lifecycle: cancel %s: %w", requestID, haul.ErrRequestNotFound)
	}

	r, err = m.requests.TransitionRequest(ctx, rid, broadcast.OpenStates, broadcast.StateCancelled)
	if err != nil {
		return nil, guard.Unavailable("haul/lifecycle", "cancel request", err)
	}
	m.requestLogger(r).Info("lifecycle: broadcast cancelled")

	if err := m.finalize(ctx, r); err != nil {
		// The request is cancelled; the sweeper retries the effects.
		m.requestLogger(r).Warn("lifecycle: finalize after cancel failed", slog.String("error", err.Error()))
	}
	return r, nil
}

// Expire moves an open request past its deadline to expired and finalizes
// it. It is a no-op for requests already finalized.
func (m *Machine) Expire(ctx context.Context, requestID string) error {
	rid, err := id.ParseRequestID(requestID)
	if err != nil {
		return haul.Invalid("request_id", err.Error())
	}
	r, err := m.requests.GetRequest(ctx, rid)
	if errors.Is(err, haul.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return guard.Unavailable("haul/lifecycle", "load request", err)
	}

	if r.State.Open() {
		cur, err := m.requests.TransitionRequest(ctx, rid, broadcast.OpenStates, broadcast.StateExpired)
		switch {
		case err == nil:
			m.requestLogger(cur).Info("lifecycle: broadcast expired",
				slog.Int("trucks_filled", cur.TrucksFilled),
				slog.Int("trucks_needed", cur.TrucksNeeded),
			)
		case errors.Is(err, haul.ErrConflict):
			// An accept or cancel won; finalize whatever it left.
		default:
			return guard.Unavailable("haul/lifecycle", "expire request", err)
		}
		if cur != nil {
			r = cur
		}
	}
	return m.finalize(ctx, r)
}

// Finalize runs terminal effects for a terminal request that has not been
// finalized yet. It is safe to call any number of times.
func (m *Machine) Finalize(ctx context.Context, requestID string) error {
	rid, err := id.ParseRequestID(requestID)
	if err != nil {
		return haul.Invalid("request_id", err.Error())
	}
	r, err := m.requests.GetRequest(ctx, rid)
	if err != nil {
		return guard.Unavailable("haul/lifecycle", "load request", err)
	}
	return m.finalize(ctx, r)
}

// FinalizeFilled runs terminal effects for a request the acceptance
// protocol just filled.
func (m *Machine) FinalizeFilled(ctx context.Context, r *broadcast.Request) error {
	return m.finalize(ctx, r)
}

// finalize publishes terminal events, archives a summary and clears the
// request's ephemeral state, then marks the request finalized. Events use
// deterministic ids, so a re-run after a crash re-publishes the same ids.
// The marker and notified-set reads, the summary write when an archive is
// configured, and the final mark must succeed.
func (m *Machine) finalize(ctx context.Context, r *broadcast.Request) error {
	if r == nil || !r.State.Terminal() || r.FinalizedAt != nil {
		return nil
	}
	reqID := r.ID.String()
	log := m.requestLogger(r).With(slog.String("outcome", string(r.State)))

	notified, fromArchive, err := m.snapshotNotified(ctx, reqID)
	if err != nil {
		return err
	}
	assignments, err := m.requests.ListAssignments(ctx, r.ID)
	if err != nil {
		return guard.Unavailable("haul/lifecycle", "list assignments", err)
	}

	m.publisher.Publish(ctx, terminalEvents(r, notified, assignments)...)

	var archiveErr error
	if m.archive != nil && !fromArchive {
		archiveErr = m.archive.SaveSummary(ctx, archive.FromRequest(r, notified, assignments, m.now()))
		if archiveErr != nil {
			log.Warn("lifecycle: archive summary failed", slog.String("error", archiveErr.Error()))
		}
	}

	m.guard.BestEffort(ctx, "clear marker", func(ctx context.Context) error {
		_, err := m.markers.ClearMarker(ctx, r.CustomerID, reqID)
		return err
	})
	for _, key := range timer.RequestKeys(reqID) {
		m.guard.BestEffort(ctx, "cancel timer", func(ctx context.Context) error {
			return m.timers.CancelTimer(ctx, key)
		})
	}

	// Without a summary the set is the only record of who was alerted.
	// Keep it and stay unfinalized so the sweeper runs this again.
	if archiveErr != nil {
		return guard.Unavailable("haul/lifecycle", "archive summary", archiveErr)
	}
	m.guard.BestEffort(ctx, "clear notified set", func(ctx context.Context) error {
		return m.notified.ClearNotified(ctx, reqID)
	})

	if err := m.requests.MarkFinalized(ctx, r.ID, m.now()); err != nil {
		return guard.Unavailable("haul/lifecycle", "mark finalized", err)
	}
	log.Info("lifecycle: broadcast finalized",
		slog.Int("notified", len(notified)),
		slog.Int("assignments", len(assignments)),
	)
	m.extensions.EmitBroadcastTerminal(ctx, r)
	return nil
}

// snapshotNotified reads the NotifiedSet. Once finalization has cleared
// it, the archived summary is the record of who was alerted.
func (m *Machine) snapshotNotified(ctx context.Context, requestID string) ([]string, bool, error) {
	members, err := m.notified.NotifiedMembers(ctx, requestID)
	if err != nil {
		return nil, false, guard.Unavailable("haul/lifecycle", "read notified set", err)
	}
	if len(members) > 0 || m.archive == nil {
		return members, false, nil
	}
	s, err := m.archive.GetSummary(ctx, requestID)
	if err != nil {
		return members, false, nil
	}
	return s.NotifiedIDs, true, nil
}

func terminalEvents(r *broadcast.Request, notified []string, assignments []*broadcast.Assignment) []notify.Event {
	reqID := r.ID.String()
	disc := string(r.State)
	data := map[string]any{
		"outcome":       r.State,
		"trucks_needed": r.TrucksNeeded,
		"trucks_filled": r.TrucksFilled,
	}

	winners := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !slices.Contains(winners, a.TransporterID) {
			winners = append(winners, a.TransporterID)
		}
	}

	switch r.State {
	case broadcast.StateExpired:
		recipients := append([]string{r.CustomerID}, notified...)
		return notify.Fanout(notify.KindBroadcastExpired, reqID, recipients, disc, data)
	case broadcast.StateCancelled:
		recipients := slices.Clone(notified)
		for _, w := range winners {
			if !slices.Contains(recipients, w) {
				recipients = append(recipients, w)
			}
		}
		return notify.Fanout(notify.KindBroadcastCancelled, reqID, recipients, disc, data)
	case broadcast.StateFullyFilled:
		losers := slices.DeleteFunc(slices.Clone(notified), func(n string) bool {
			return slices.Contains(winners, n)
		})
		return notify.Fanout(notify.KindBroadcastUnavailable, reqID, losers, disc, data)
	}
	return nil
}
