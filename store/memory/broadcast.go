package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/id"
)

// ──────────────────────────────────────────────────
// Broadcast Store
// ──────────────────────────────────────────────────

// CreateRequest persists a request with its demand units.
func (m *Store) CreateRequest(_ context.Context, r *broadcast.Request, units []*broadcast.DemandUnit) error {
	if err := m.fault("CreateRequest"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.requests[key]; exists {
		return fmt.Errorf("haul/memory: request %s already exists", key)
	}
	cp := *r
	m.requests[key] = &cp
	for _, u := range units {
		ucp := *u
		m.units[u.ID.String()] = &ucp
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (m *Store) GetRequest(_ context.Context, requestID id.RequestID) (*broadcast.Request, error) {
	if err := m.fault("GetRequest"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, haul.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

// ListDemandUnits returns a request's units ordered by ordinal.
func (m *Store) ListDemandUnits(_ context.Context, requestID id.RequestID) ([]*broadcast.DemandUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*broadcast.DemandUnit
	for _, u := range m.units {
		if u.RequestID == requestID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// ListAssignments returns a request's assignments oldest first.
func (m *Store) ListAssignments(_ context.Context, requestID id.RequestID) ([]*broadcast.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterAssignments(func(a *broadcast.Assignment) bool { return a.RequestID == requestID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRequestsByCustomer returns a customer's requests newest first.
func (m *Store) ListRequestsByCustomer(_ context.Context, customerID string, opts broadcast.ListOpts) ([]*broadcast.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterRequests(func(r *broadcast.Request) bool { return r.CustomerID == customerID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, opts.Limit, opts.Offset), nil
}

// ListAssignmentsByTransporter returns a transporter's assignments newest
// first.
func (m *Store) ListAssignmentsByTransporter(_ context.Context, transporterID string, opts broadcast.ListOpts) ([]*broadcast.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterAssignments(func(a *broadcast.Assignment) bool { return a.TransporterID == transporterID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, opts.Limit, opts.Offset), nil
}

// ListAssignmentsByDriver returns a driver's assignments newest first.
func (m *Store) ListAssignmentsByDriver(_ context.Context, driverID string, opts broadcast.ListOpts) ([]*broadcast.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterAssignments(func(a *broadcast.Assignment) bool { return a.DriverID == driverID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, opts.Limit, opts.Offset), nil
}

// ListOpenRequests returns open requests matching any capability, oldest
// first.
func (m *Store) ListOpenRequests(_ context.Context, capabilities []string, limit int) ([]*broadcast.Request, error) {
	if err := m.fault("ListOpenRequests"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterRequests(func(r *broadcast.Request) bool {
		return r.State.Open() && slices.Contains(capabilities, r.Vehicle.Capability())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// ListOverdueRequests returns open requests that expired before the given
// time.
func (m *Store) ListOverdueRequests(_ context.Context, before time.Time, limit int) ([]*broadcast.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterRequests(func(r *broadcast.Request) bool {
		return r.State.Open() && r.ExpiresAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return page(out, limit, 0), nil
}

// ListUnfinalizedRequests returns terminal requests not yet finalized.
func (m *Store) ListUnfinalizedRequests(_ context.Context, limit int) ([]*broadcast.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterRequests(func(r *broadcast.Request) bool {
		return r.State.Terminal() && r.FinalizedAt == nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StateChangedAt.Before(out[j].StateChangedAt) })
	return page(out, limit, 0), nil
}

// ClaimDemandUnit assigns a searching unit under the store lock, which
// serializes concurrent claims the way a SERIALIZABLE transaction would.
func (m *Store) ClaimDemandUnit(_ context.Context, c broadcast.Claim) (*broadcast.ClaimResult, error) {
	if err := m.fault("ClaimDemandUnit"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reqKey := c.RequestID.String()
	r, ok := m.requests[reqKey]
	if !ok {
		return nil, haul.ErrRequestNotFound
	}
	if !r.State.Open() {
		return nil, haul.Conflict(haul.ErrRequestClosed, reqKey, string(r.State))
	}
	u, ok := m.units[c.DemandUnitID.String()]
	if !ok || u.RequestID != c.RequestID {
		return nil, haul.ErrDemandUnitNotFound
	}
	if u.State != broadcast.UnitSearching {
		return nil, haul.Conflict(haul.ErrDemandUnitTaken, reqKey, string(r.State))
	}
	if c.DriverID != "" {
		for _, a := range m.assignments {
			if a.Active && a.DriverID == c.DriverID {
				return nil, haul.Conflict(haul.ErrDriverBusy, reqKey, string(r.State))
			}
		}
	}

	now := m.now().UTC()
	u.State = broadcast.UnitAssigned
	u.TransporterID = c.TransporterID
	u.DriverID = c.DriverID
	u.VehicleID = c.VehicleID
	u.UpdatedAt = now

	a := &broadcast.Assignment{
		ID:            id.NewAssignmentID(),
		RequestID:     c.RequestID,
		DemandUnitID:  c.DemandUnitID,
		TransporterID: c.TransporterID,
		DriverID:      c.DriverID,
		VehicleID:     c.VehicleID,
		Active:        true,
		CreatedAt:     now,
	}
	m.assignments[a.ID.String()] = a

	r.TrucksFilled++
	next := broadcast.NextState(r.TrucksFilled, r.TrucksNeeded)
	if next != r.State {
		r.State = next
		r.StateChangedAt = now
	}
	r.UpdatedAt = now

	acp, rcp := *a, *r
	return &broadcast.ClaimResult{Assignment: &acp, Request: &rcp}, nil
}

// TransitionRequest moves a request to `to` if it is in one of from.
func (m *Store) TransitionRequest(_ context.Context, requestID id.RequestID, from []broadcast.State, to broadcast.State) (*broadcast.Request, error) {
	if err := m.fault("TransitionRequest"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, haul.ErrRequestNotFound
	}
	if !slices.Contains(from, r.State) {
		cp := *r
		return &cp, haul.Conflict(haul.ErrRequestClosed, requestID.String(), string(r.State))
	}

	now := m.now().UTC()
	r.State = to
	r.StateChangedAt = now
	r.UpdatedAt = now

	if to == broadcast.StateCancelled || to == broadcast.StateExpired {
		for _, u := range m.units {
			if u.RequestID == requestID && u.State == broadcast.UnitSearching {
				u.State = broadcast.UnitTerminal
				u.UpdatedAt = now
			}
		}
	}
	if to == broadcast.StateCancelled {
		for _, a := range m.assignments {
			if a.RequestID == requestID && a.Active {
				a.Active = false
				closed := now
				a.ClosedAt = &closed
			}
		}
	}

	cp := *r
	return &cp, nil
}

// AdvanceStep moves current_step from `from` to `to`.
func (m *Store) AdvanceStep(_ context.Context, requestID id.RequestID, from, to int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return false, haul.ErrRequestNotFound
	}
	if r.CurrentStep != from {
		return false, nil
	}
	r.CurrentStep = to
	r.UpdatedAt = m.now().UTC()
	return true, nil
}

// MarkFinalized records that terminal effects completed.
func (m *Store) MarkFinalized(_ context.Context, requestID id.RequestID, at time.Time) error {
	if err := m.fault("MarkFinalized"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return haul.ErrRequestNotFound
	}
	if r.FinalizedAt == nil {
		t := at.UTC()
		r.FinalizedAt = &t
	}
	return nil
}

// CloseAssignment deactivates an assignment.
func (m *Store) CloseAssignment(_ context.Context, assignmentID id.AssignmentID) (*broadcast.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID.String()]
	if !ok {
		return nil, haul.ErrAssignmentNotFound
	}
	if a.Active {
		a.Active = false
		closed := m.now().UTC()
		a.ClosedAt = &closed
	}
	cp := *a
	return &cp, nil
}

func (m *Store) filterRequests(keep func(*broadcast.Request) bool) []*broadcast.Request {
	var out []*broadcast.Request
	for _, r := range m.requests {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Store) filterAssignments(keep func(*broadcast.Assignment) bool) []*broadcast.Assignment {
	var out []*broadcast.Assignment
	for _, a := range m.assignments {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}
