// Package broadcast defines the durable matching entities: a customer's
// BroadcastRequest, its DemandUnits (one per truck) and the Assignments that
// record winning matches.
package broadcast

import (
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/id"
)

// State is a request lifecycle state.
type State string

const (
	// StateCreated is momentary; requests are inserted as broadcasting.
	StateCreated State = "created"
	// StateBroadcasting means no truck has been confirmed yet.
	StateBroadcasting State = "broadcasting"
	// StatePartiallyFilled means some but not all trucks are confirmed.
	StatePartiallyFilled State = "partially_filled"
	// StateFullyFilled is terminal: every demand unit has an assignment.
	StateFullyFilled State = "fully_filled"
	// StateCancelled is terminal: the customer withdrew the request.
	StateCancelled State = "cancelled"
	// StateExpired is terminal: the broadcast timed out.
	StateExpired State = "expired"
)

// OpenStates are the states from which accept, cancel and expiry may
// transition.
var OpenStates = []State{StateBroadcasting, StatePartiallyFilled}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateFullyFilled || s == StateCancelled || s == StateExpired
}

// Open reports whether s still accepts trucks.
func (s State) Open() bool {
	return s == StateBroadcasting || s == StatePartiallyFilled
}

// UnitState is the state of one demand unit.
type UnitState string

const (
	UnitSearching UnitState = "searching"
	UnitHeld      UnitState = "held"
	UnitAssigned  UnitState = "assigned"
	UnitTerminal  UnitState = "terminal"
)

// VehicleSpec is the kind of truck a request needs.
type VehicleSpec struct {
	Type    string `json:"type" validate:"required,max=64"`
	Subtype string `json:"subtype,omitempty" validate:"max=64"`
}

// Capability is the presence index key matching this spec.
func (v VehicleSpec) Capability() string {
	if v.Subtype == "" {
		return v.Type
	}
	return v.Type + ":" + v.Subtype
}

// Request is one customer's demand for N trucks.
type Request struct {
	haul.Entity

	ID             id.RequestID `json:"id"`
	CustomerID     string       `json:"customer_id"`
	Pickup         haul.Point   `json:"pickup"`
	Drop           haul.Point   `json:"drop"`
	Vehicle        VehicleSpec  `json:"vehicle"`
	TrucksNeeded   int          `json:"trucks_needed"`
	TrucksFilled   int          `json:"trucks_filled"`
	State          State        `json:"state"`
	CurrentStep    int          `json:"current_step"`
	ExpiresAt      time.Time    `json:"expires_at"`
	StateChangedAt time.Time    `json:"state_changed_at"`
	FinalizedAt    *time.Time   `json:"finalized_at,omitempty"`
}

// Remaining returns the number of trucks still to be confirmed.
func (r *Request) Remaining() int {
	return r.TrucksNeeded - r.TrucksFilled
}

// DemandUnit is one fillable truck slot of a request.
type DemandUnit struct {
	ID            id.DemandUnitID `json:"id"`
	RequestID     id.RequestID    `json:"request_id"`
	Ordinal       int             `json:"ordinal"`
	State         UnitState       `json:"state"`
	TransporterID string          `json:"transporter_id,omitempty"`
	DriverID      string          `json:"driver_id,omitempty"`
	VehicleID     string          `json:"vehicle_id,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Assignment records the single winner of a demand unit.
type Assignment struct {
	ID            id.AssignmentID `json:"id"`
	RequestID     id.RequestID    `json:"request_id"`
	DemandUnitID  id.DemandUnitID `json:"demand_unit_id"`
	TransporterID string          `json:"transporter_id"`
	DriverID      string          `json:"driver_id"`
	VehicleID     string          `json:"vehicle_id"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// New builds a broadcasting request and its n demand units.
func New(customerID string, pickup, drop haul.Point, spec VehicleSpec, n int, expiresAt time.Time) (*Request, []*DemandUnit) {
	ent := haul.NewEntity()
	r := &Request{
		Entity:         ent,
		ID:             id.NewRequestID(),
		CustomerID:     customerID,
		Pickup:         pickup,
		Drop:           drop,
		Vehicle:        spec,
		TrucksNeeded:   n,
		State:          StateBroadcasting,
		ExpiresAt:      expiresAt.UTC(),
		StateChangedAt: ent.CreatedAt,
	}

	units := make([]*DemandUnit, n)
	for i := range n {
		units[i] = &DemandUnit{
			ID:        id.NewDemandUnitID(),
			RequestID: r.ID,
			Ordinal:   i + 1,
			State:     UnitSearching,
			UpdatedAt: ent.CreatedAt,
		}
	}
	return r, units
}

// NextState is the state after one more truck is confirmed.
func NextState(filled, needed int) State {
	if filled >= needed {
		return StateFullyFilled
	}
	if filled > 0 {
		return StatePartiallyFilled
	}
	return StateBroadcasting
}
