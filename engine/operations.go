package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/haul"
	"github.com/xraph/haul/acceptance"
	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/guard"
	"github.com/xraph/haul/id"
	"github.com/xraph/haul/lifecycle"
	"github.com/xraph/haul/presence"
)

// BroadcastView is a request with its demand units and assignments.
type BroadcastView struct {
	Request     *broadcast.Request      `json:"request"`
	Units       []*broadcast.DemandUnit `json:"units"`
	Assignments []*broadcast.Assignment `json:"assignments"`
}

// AssignmentFilter selects whose assignments to list. Exactly one of the
// fields must be set.
type AssignmentFilter struct {
	TransporterID string
	DriverID      string
}

// CreateBroadcast opens a broadcast and runs its first discovery step.
func (eng *Engine) CreateBroadcast(ctx context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error) {
	return eng.lifecycle.Create(ctx, in)
}

// AcceptDemandUnit claims one demand unit for one transporter. Exactly
// one of any number of concurrent accepts for the same unit wins.
func (eng *Engine) AcceptDemandUnit(ctx context.Context, in acceptance.Input) (*acceptance.Result, error) {
	return eng.acceptance.Accept(ctx, in)
}

// CancelBroadcast withdraws the customer's open broadcast.
func (eng *Engine) CancelBroadcast(ctx context.Context, customerID, requestID string) (*broadcast.Request, error) {
	return eng.lifecycle.Cancel(ctx, customerID, requestID)
}

// SetOnline records an actor's online intent. Going online with
// capabilities delivers open broadcasts the actor can serve.
func (eng *Engine) SetOnline(ctx context.Context, actorID string, online bool, capabilities []string) (bool, error) {
	return eng.presence.SetIntent(ctx, presence.Toggle{
		ActorID:      actorID,
		Online:       online,
		Capabilities: capabilities,
	})
}

// Heartbeat refreshes an online actor's connectivity and position. It
// reports whether the actor is online.
func (eng *Engine) Heartbeat(ctx context.Context, actorID string, at haul.Point) (bool, error) {
	return eng.presence.Heartbeat(ctx, actorID, at)
}

// GetBroadcast returns a request with its units and assignments.
func (eng *Engine) GetBroadcast(ctx context.Context, requestID string) (*BroadcastView, error) {
	rid, err := id.ParseRequestID(requestID)
	if err != nil {
		return nil, haul.Invalid("request_id", err.Error())
	}
	r, err := eng.durable.GetRequest(ctx, rid)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "get request", err)
	}
	units, err := eng.durable.ListDemandUnits(ctx, rid)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "list demand units", err)
	}
	assignments, err := eng.durable.ListAssignments(ctx, rid)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "list assignments", err)
	}
	return &BroadcastView{Request: r, Units: units, Assignments: assignments}, nil
}

// ListBroadcasts returns a customer's requests, newest first.
func (eng *Engine) ListBroadcasts(ctx context.Context, customerID string, opts broadcast.ListOpts) ([]*broadcast.Request, error) {
	if customerID == "" {
		return nil, haul.Invalid("customer_id", "is required")
	}
	list, err := eng.durable.ListRequestsByCustomer(ctx, customerID, opts)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "list requests", err)
	}
	return list, nil
}

// ListAssignments returns a transporter's or a driver's assignments,
// newest first.
func (eng *Engine) ListAssignments(ctx context.Context, f AssignmentFilter, opts broadcast.ListOpts) ([]*broadcast.Assignment, error) {
	var (
		list []*broadcast.Assignment
		err  error
	)
	switch {
	case f.TransporterID != "" && f.DriverID != "":
		return nil, haul.Invalid("filter", "set transporter_id or driver_id, not both")
	case f.TransporterID != "":
		list, err = eng.durable.ListAssignmentsByTransporter(ctx, f.TransporterID, opts)
	case f.DriverID != "":
		list, err = eng.durable.ListAssignmentsByDriver(ctx, f.DriverID, opts)
	default:
		return nil, haul.Invalid("filter", "transporter_id or driver_id is required")
	}
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "list assignments", err)
	}
	return list, nil
}

// CloseAssignment ends an assignment once its trip is over, freeing the
// driver for another accept.
func (eng *Engine) CloseAssignment(ctx context.Context, assignmentID string) (*broadcast.Assignment, error) {
	aid, err := id.ParseAssignmentID(assignmentID)
	if err != nil {
		return nil, haul.Invalid("assignment_id", err.Error())
	}
	a, err := eng.durable.CloseAssignment(ctx, aid)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "close assignment", err)
	}
	return a, nil
}

// Summary returns the archived summary of a finalized request. Without an
// archive every lookup reports haul.ErrSummaryNotFound.
func (eng *Engine) Summary(ctx context.Context, requestID string) (*archive.Summary, error) {
	if eng.archive == nil {
		return nil, fmt.Errorf("haul/engine: no archive: %w", haul.ErrSummaryNotFound)
	}
	s, err := eng.archive.GetSummary(ctx, requestID)
	if err != nil {
		return nil, guard.Unavailable("haul/engine", "get summary", err)
	}
	return s, nil
}

// Health pings every configured store.
func (eng *Engine) Health(ctx context.Context) error {
	var errs []error
	if err := eng.durable.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("durable: %w", err))
	}
	if err := eng.ephemeral.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ephemeral: %w", err))
	}
	if eng.archive != nil {
		if err := eng.archive.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("haul/engine: health: %w: %w", haul.ErrStoreUnavailable, errors.Join(errs...))
	}
	return nil
}
