package bunstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
)

// ── Summary model ─────────────────────────────────────────────────

type summaryModel struct {
	bun.BaseModel `bun:"table:haul_summaries"`

	RequestID     string    `bun:"request_id,pk"`
	CustomerID    string    `bun:"customer_id,notnull"`
	Outcome       string    `bun:"outcome,notnull"`
	VehicleType   string    `bun:"vehicle_type,notnull"`
	TrucksNeeded  int       `bun:"trucks_needed,notnull"`
	TrucksFilled  int       `bun:"trucks_filled,notnull"`
	NotifiedIDs   []string  `bun:"notified_ids,array"`
	AssignmentIDs []string  `bun:"assignment_ids,array"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	FinalizedAt   time.Time `bun:"finalized_at,notnull"`
}

func toSummaryModel(s *archive.Summary) *summaryModel {
	return &summaryModel{
		RequestID:     s.RequestID,
		CustomerID:    s.CustomerID,
		Outcome:       string(s.Outcome),
		VehicleType:   s.VehicleType,
		TrucksNeeded:  s.TrucksNeeded,
		TrucksFilled:  s.TrucksFilled,
		NotifiedIDs:   nonNil(s.NotifiedIDs),
		AssignmentIDs: nonNil(s.AssignmentIDs),
		CreatedAt:     s.CreatedAt.UTC(),
		FinalizedAt:   s.FinalizedAt.UTC(),
	}
}

func fromSummaryModel(m *summaryModel) *archive.Summary {
	return &archive.Summary{
		RequestID:     m.RequestID,
		CustomerID:    m.CustomerID,
		Outcome:       broadcast.State(m.Outcome),
		VehicleType:   m.VehicleType,
		TrucksNeeded:  m.TrucksNeeded,
		TrucksFilled:  m.TrucksFilled,
		NotifiedIDs:   m.NotifiedIDs,
		AssignmentIDs: m.AssignmentIDs,
		CreatedAt:     m.CreatedAt,
		FinalizedAt:   m.FinalizedAt,
	}
}

// nonNil keeps empty lists as '{}' rather than NULL.
func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
