// Package idempotency maps client-supplied tokens to prior results for a
// short window, so a retried create or accept replays the first outcome.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Store is the token cache contract.
type Store interface {
	// Remember stores value under key for ttl, replacing any prior value.
	Remember(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Recall returns the value under key, if any.
	Recall(ctx context.Context, key string) ([]byte, bool, error)

	// Reserve stores value under key for ttl only if key is absent. It
	// reports false when another caller holds the key.
	Reserve(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Forget deletes key.
	Forget(ctx context.Context, key string) error
}

// Key joins a scope and its parts into a cache key.
func Key(scope string, parts ...string) string {
	return scope + ":" + strings.Join(parts, ":")
}

// Load decodes the JSON value stored under key.
func Load[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	raw, ok, err := s.Recall(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return v, true, nil
}

// Save encodes v as JSON and stores it under key.
func Save[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	return s.Remember(ctx, key, raw, ttl)
}

// Claim encodes v as JSON and stores it under key unless key is taken.
func Claim[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	return s.Reserve(ctx, key, raw, ttl)
}
