package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/haul/store"
)

// Collection name constants.
const (
	colSummaries = "haul_summaries"
)

// Ensure Store implements the archive contract at compile time.
var _ store.Archive = (*Store)(nil)

// Store keeps terminal summaries in one MongoDB collection keyed by
// request id. The caller owns the client; Close leaves it connected.
type Store struct {
	summaries *mongod.Collection
	logger    *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New uses the haul_summaries collection of db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		summaries: db.Collection(colSummaries),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the summary indexes. Creating an existing index is a
// no-op, so every replica may call it.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := s.summaries.Indexes().CreateMany(ctx, summaryIndexes())
	if err != nil {
		return fmt.Errorf("haul/mongo: migrate %s indexes: %w", colSummaries, err)
	}
	s.logger.Info("archive indexes ready", slog.String("collection", colSummaries), slog.Any("indexes", names))
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.summaries.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("haul/mongo: ping: %w", err)
	}
	return nil
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func summaryIndexes() []mongod.IndexModel {
	return []mongod.IndexModel{
		// Customer history, newest first.
		{Keys: bson.D{
			{Key: "customer_id", Value: 1},
			{Key: "finalized_at", Value: -1},
		}},
		{Keys: bson.D{{Key: "outcome", Value: 1}}},
	}
}
