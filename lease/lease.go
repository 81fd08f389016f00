// Package lease provides short-lived mutual exclusion keyed by a
// coordination key (one timer entry, one accept in progress, one presence
// toggle). A lease only reduces contention. Every state change it guards
// is also a conditional write at the transactional store.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/id"
)

// Store is the lease contract implemented by the shared cache.
type Store interface {
	// AcquireLease sets key to owner for ttl if the key is free.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes key only if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error
}

// ErrHeld is returned by AcquireWait when the lease stayed held.
var ErrHeld = errors.New("lease: held by another owner")

// Lease is a held lease.
type Lease struct {
	store Store
	key   string
	owner string
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Owner returns the owner token.
func (l *Lease) Owner() string { return l.owner }

// Release gives the lease up. It survives a cancelled caller context so
// the key is not left held until its TTL.
func (l *Lease) Release(ctx context.Context) error {
	return l.store.ReleaseLease(context.WithoutCancel(ctx), l.key, l.owner)
}

// Acquire makes one attempt. It returns a nil lease and no error when the
// key is held by someone else.
func Acquire(ctx context.Context, s Store, key string, ttl time.Duration) (*Lease, error) {
	owner := id.NewLeaseToken()
	ok, err := s.AcquireLease(ctx, key, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil //nolint:nilnil // a held lease is an expected outcome, not an error
	}
	return &Lease{store: s, key: key, owner: owner}, nil
}

// AcquireWait retries Acquire up to tries times, waiting per strategy
// between attempts. It returns ErrHeld when every attempt found the key
// held.
func AcquireWait(ctx context.Context, s Store, key string, ttl time.Duration, tries int, strategy backoff.Strategy) (*Lease, error) {
	for attempt := 1; attempt <= tries; attempt++ {
		l, err := Acquire(ctx, s, key, ttl)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if attempt < tries {
			if err := backoff.Wait(ctx, strategy, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, ErrHeld
}

// Keys used by the engine.

// TimerKey is the lease key guarding one timer entry.
func TimerKey(entryKey string) string { return "timer:" + entryKey }

// AcceptKey is the lease key guarding accepts on one request.
func AcceptKey(requestID string) string { return "accept:" + requestID }

// ToggleKey is the lease key guarding one actor's presence toggle.
func ToggleKey(actorID string) string { return "toggle:" + actorID }

// SweepKey is the lease key guarding one sweep pass across replicas.
const SweepKey = "sweep"
