package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
)

// SaveSummary replaces or inserts the summary document.
func (s *Store) SaveSummary(ctx context.Context, sum *archive.Summary) error {
	m := toSummaryModel(sum)
	_, err := s.summaries.ReplaceOne(ctx, bson.M{"_id": m.RequestID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("haul/mongo: save summary: %w", err)
	}
	return nil
}

// GetSummary returns a request's summary.
func (s *Store) GetSummary(ctx context.Context, requestID string) (*archive.Summary, error) {
	var m summaryModel
	err := s.summaries.FindOne(ctx, bson.M{"_id": requestID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, haul.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("haul/mongo: get summary: %w", err)
	}
	return fromSummaryModel(&m), nil
}

// ListSummariesByCustomer returns a customer's summaries newest first.
func (s *Store) ListSummariesByCustomer(ctx context.Context, customerID string, limit int) ([]*archive.Summary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finalized_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.summaries.Find(ctx, bson.M{"customer_id": customerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("haul/mongo: list summaries: %w", err)
	}
	defer cursor.Close(ctx)

	var models []summaryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("haul/mongo: decode summaries: %w", err)
	}

	out := make([]*archive.Summary, len(models))
	for i := range models {
		out[i] = fromSummaryModel(&models[i])
	}
	return out, nil
}
