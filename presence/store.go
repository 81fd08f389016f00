package presence

import (
	"context"
	"time"

	"github.com/xraph/haul"
)

// Store is the presence contract implemented by the shared cache.
type Store interface {
	// GetIntent returns the actor's persisted online intent.
	GetIntent(ctx context.Context, actorID string) (bool, error)

	// SetIntent persists the actor's online intent.
	SetIntent(ctx context.Context, actorID string, online bool) error

	// OpenConnectivity creates (or resets) the connectivity key.
	OpenConnectivity(ctx context.Context, actorID string, ttl time.Duration) error

	// RefreshConnectivity extends the connectivity key only if it exists.
	RefreshConnectivity(ctx context.Context, actorID string, ttl time.Duration) (bool, error)

	// CloseConnectivity deletes the connectivity key.
	CloseConnectivity(ctx context.Context, actorID string) error

	// FilterConnected returns the subset of actorIDs whose connectivity key
	// exists, preserving order.
	FilterConnected(ctx context.Context, actorIDs []string) ([]string, error)

	// SetCapabilities records the vehicle capabilities an actor serves.
	SetCapabilities(ctx context.Context, actorID string, caps []string) error

	// Capabilities returns the recorded capabilities.
	Capabilities(ctx context.Context, actorID string) ([]string, error)

	// AddOnline adds the actor to each capability's online set.
	AddOnline(ctx context.Context, actorID string, caps []string) error

	// RemoveOnline removes the actor from each capability's online set.
	RemoveOnline(ctx context.Context, actorID string, caps []string) error

	// OnlineMembers returns the raw online set of a capability. Members may
	// have lapsed connectivity.
	OnlineMembers(ctx context.Context, capability string) ([]string, error)

	// UpdatePosition records the actor in each capability's geo index.
	UpdatePosition(ctx context.Context, actorID string, caps []string, at haul.Point) error

	// RemovePosition drops the actor from each capability's geo index.
	RemovePosition(ctx context.Context, actorID string, caps []string) error

	// ToggleHistory returns the actor's toggle times at or after since,
	// oldest first.
	ToggleHistory(ctx context.Context, actorID string, since time.Time) ([]time.Time, error)

	// RecordToggle appends a toggle and trims entries older than window.
	RecordToggle(ctx context.Context, actorID string, at time.Time, window time.Duration) error
}
