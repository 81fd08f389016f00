package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
)

// SaveSummary upserts the summary for s.RequestID.
func (s *Store) SaveSummary(ctx context.Context, sum *archive.Summary) error {
	m := toSummaryModel(sum)
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (request_id) DO UPDATE").
		Set("outcome = EXCLUDED.outcome").
		Set("trucks_filled = EXCLUDED.trucks_filled").
		Set("notified_ids = EXCLUDED.notified_ids").
		Set("assignment_ids = EXCLUDED.assignment_ids").
		Set("finalized_at = EXCLUDED.finalized_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("haul/bun: save summary: %w", err)
	}
	return nil
}

// GetSummary returns a request's summary.
func (s *Store) GetSummary(ctx context.Context, requestID string) (*archive.Summary, error) {
	m := new(summaryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("request_id = ?", requestID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, haul.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("haul/bun: get summary: %w", err)
	}
	return fromSummaryModel(m), nil
}

// ListSummariesByCustomer returns a customer's summaries newest first.
func (s *Store) ListSummariesByCustomer(ctx context.Context, customerID string, limit int) ([]*archive.Summary, error) {
	var models []summaryModel
	q := s.db.NewSelect().
		Model(&models).
		Where("customer_id = ?", customerID).
		OrderExpr("finalized_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("haul/bun: list summaries: %w", err)
	}

	out := make([]*archive.Summary, len(models))
	for i := range models {
		out[i] = fromSummaryModel(&models[i])
	}
	return out, nil
}
