package mongo

import (
	"time"

	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
)

// ── Summary model ─────────────────────────────────────────────────

type summaryModel struct {
	RequestID     string    `bson:"_id"`
	CustomerID    string    `bson:"customer_id"`
	Outcome       string    `bson:"outcome"`
	VehicleType   string    `bson:"vehicle_type"`
	TrucksNeeded  int       `bson:"trucks_needed"`
	TrucksFilled  int       `bson:"trucks_filled"`
	NotifiedIDs   []string  `bson:"notified_ids"`
	AssignmentIDs []string  `bson:"assignment_ids"`
	CreatedAt     time.Time `bson:"created_at"`
	FinalizedAt   time.Time `bson:"finalized_at"`
}

func toSummaryModel(s *archive.Summary) *summaryModel {
	return &summaryModel{
		RequestID:     s.RequestID,
		CustomerID:    s.CustomerID,
		Outcome:       string(s.Outcome),
		VehicleType:   s.VehicleType,
		TrucksNeeded:  s.TrucksNeeded,
		TrucksFilled:  s.TrucksFilled,
		NotifiedIDs:   s.NotifiedIDs,
		AssignmentIDs: s.AssignmentIDs,
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
