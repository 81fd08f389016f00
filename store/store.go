// Package store defines the aggregate persistence interfaces. Each
// subsystem (broadcast, timer, lease, presence, discovery, lifecycle,
// idempotency, archive) defines its own store interface; the composites
// below group them by where the state lives.
package store

import (
	"context"

	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/idempotency"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/lifecycle"
	"github.com/xraph/haul/presence"
	"github.com/xraph/haul/timer"
)

// Durable is the transactional store. It is the arbiter of every race.
type Durable interface {
	broadcast.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Ephemeral is the shared cache. Everything in it is TTL-bounded or
// rebuildable; losing it degrades matching but never breaks correctness.
type Ephemeral interface {
	timer.Store
	lease.Store
	presence.Store
	discovery.GeoIndex
	discovery.NotifiedStore
	lifecycle.MarkerStore
	idempotency.Store

	// Ping checks cache connectivity.
	Ping(ctx context.Context) error

	// Close closes the cache connection.
	Close() error
}

// Archive keeps terminal summaries.
type Archive interface {
	archive.Store

	// Migrate creates the summary table or collection and its indexes.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close() error
}
