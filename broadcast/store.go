package broadcast

import (
	"context"
	"time"

	"github.com/xraph/haul/id"
)

// ListOpts configures list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// Claim asks the store to give one demand unit to one transporter.
type Claim struct {
	RequestID     id.RequestID
	DemandUnitID  id.DemandUnitID
	TransporterID string
	DriverID      string
	VehicleID     string

	// MaxAttempts bounds retries of the claim transaction after
	// serialization failures or a lost compare-and-swap on trucks_filled.
	MaxAttempts int
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	Assignment *Assignment
	Request    *Request
}

// Store defines the persistence contract for requests, demand units and
// assignments. Implementations must make ClaimDemandUnit and
// TransitionRequest conditional writes: concurrent callers racing on the
// same row must never both succeed.
type Store interface {
	// CreateRequest persists a request with its demand units atomically.
	CreateRequest(ctx context.Context, r *Request, units []*DemandUnit) error

	// GetRequest returns haul.ErrRequestNotFound when absent.
	GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error)

	// ListDemandUnits returns a request's units ordered by ordinal.
	ListDemandUnits(ctx context.Context, requestID id.RequestID) ([]*DemandUnit, error)

	// ListAssignments returns a request's assignments oldest first.
	ListAssignments(ctx context.Context, requestID id.RequestID) ([]*Assignment, error)

	// ListRequestsByCustomer returns a customer's requests newest first.
	ListRequestsByCustomer(ctx context.Context, customerID string, opts ListOpts) ([]*Request, error)

	// ListAssignmentsByTransporter returns a transporter's assignments
	// newest first.
	ListAssignmentsByTransporter(ctx context.Context, transporterID string, opts ListOpts) ([]*Assignment, error)

	// ListAssignmentsByDriver returns a driver's assignments newest first.
	ListAssignmentsByDriver(ctx context.Context, driverID string, opts ListOpts) ([]*Assignment, error)

	// ListOpenRequests returns open requests whose vehicle capability is in
	// capabilities, oldest first.
	ListOpenRequests(ctx context.Context, capabilities []string, limit int) ([]*Request, error)

	// ListOverdueRequests returns open requests whose expiry is before the
	// given time.
	ListOverdueRequests(ctx context.Context, before time.Time, limit int) ([]*Request, error)

	// ListUnfinalizedRequests returns terminal requests whose terminal
	// effects have not been marked complete.
	ListUnfinalizedRequests(ctx context.Context, limit int) ([]*Request, error)

	// ClaimDemandUnit assigns a searching unit to a transporter and bumps
	// the parent's trucks_filled in one conflict-detecting transaction.
	// It returns a *haul.ConflictError wrapping haul.ErrDemandUnitTaken,
	// haul.ErrRequestClosed, haul.ErrDriverBusy or
	// haul.ErrSerializationFailure when the claim loses.
	ClaimDemandUnit(ctx context.Context, c Claim) (*ClaimResult, error)

	// TransitionRequest moves a request to `to` only if its current state
	// is one of from. On a miss it returns the current request together
	// with a *haul.ConflictError carrying the current state. Transitions to
	// cancelled or expired also close searching units; cancellation also
	// deactivates the request's assignments.
	TransitionRequest(ctx context.Context, requestID id.RequestID, from []State, to State) (*Request, error)

	// AdvanceStep moves current_step from `from` to `to`. It reports
	// false when another caller already advanced it.
	AdvanceStep(ctx context.Context, requestID id.RequestID, from, to int) (bool, error)

	// MarkFinalized records that terminal effects completed.
	MarkFinalized(ctx context.Context, requestID id.RequestID, at time.Time) error

	// CloseAssignment deactivates an assignment once its trip ends.
	CloseAssignment(ctx context.Context, assignmentID id.AssignmentID) (*Assignment, error)
}
