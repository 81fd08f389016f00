package bunstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/xraph/haul/store"
)

// Ensure Store implements the archive contract at compile time.
var _ store.Archive = (*Store)(nil)

// Store keeps terminal summaries in Postgres through bun. The caller owns
// the *bun.DB; Close leaves it open.
type Store struct {
	db     bun.IDB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps db. Passing a bun.Tx scopes every call to that transaction.
func New(db bun.IDB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the summary table and its customer index from the model.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*summaryModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("haul/bun: create summaries table: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*summaryModel)(nil)).
		Index("idx_haul_summaries_customer").
		IfNotExists().
		Column("customer_id", "finalized_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("haul/bun: create summaries index: %w", err)
	}

	s.logger.Info("archive schema ready", slog.String("table", "haul_summaries"))
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.NewSelect().ColumnExpr("1").Exec(ctx); err != nil {
		return fmt.Errorf("haul/bun: ping: %w", err)
	}
	return nil
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
