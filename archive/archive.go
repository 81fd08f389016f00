// Package archive keeps one immutable summary per terminal request. The
// live NotifiedSet is cache-only; the summary is what survives it.
package archive

import (
	"context"
	"time"

	"github.com/xraph/haul/broadcast"
)

// Summary is the terminal record of a request.
type Summary struct {
	RequestID     string          `json:"request_id"`
	CustomerID    string          `json:"customer_id"`
	Outcome       broadcast.State `json:"outcome"`
	VehicleType   string          `json:"vehicle_type"`
	TrucksNeeded  int             `json:"trucks_needed"`
	TrucksFilled  int             `json:"trucks_filled"`
	NotifiedIDs   []string        `json:"notified_ids"`
	AssignmentIDs []string        `json:"assignment_ids"`
	CreatedAt     time.Time       `json:"created_at"`
	FinalizedAt   time.Time       `json:"finalized_at"`
}

// NotifiedCount returns the number of candidates alerted.
func (s *Summary) NotifiedCount() int { return len(s.NotifiedIDs) }

// Store persists summaries.
type Store interface {
	// SaveSummary inserts or replaces the summary for s.RequestID.
	SaveSummary(ctx context.Context, s *Summary) error

	// GetSummary returns haul.ErrSummaryNotFound when absent.
	GetSummary(ctx context.Context, requestID string) (*Summary, error)

	// ListSummariesByCustomer returns a customer's summaries newest first.
	ListSummariesByCustomer(ctx context.Context, customerID string, limit int) ([]*Summary, error)
}

// FromRequest builds a summary from a terminal request.
func FromRequest(r *broadcast.Request, notified []string, assignments []*broadcast.Assignment, at time.Time) *Summary {
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.ID.String())
	}
	return &Summary{
		RequestID:     r.ID.String(),
		CustomerID:    r.CustomerID,
		Outcome:       r.State,
		VehicleType:   r.Vehicle.Capability(),
		TrucksNeeded:  r.TrucksNeeded,
		TrucksFilled:  r.TrucksFilled,
		NotifiedIDs:   notified,
		AssignmentIDs: ids,
		CreatedAt:     r.CreatedAt,
		FinalizedAt:   at.UTC(),
	}
}
