package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ──────────────────────────────────────────────────
// NotifiedSet
// ──────────────────────────────────────────────────

// AddNotified adds actorIDs to the request's set and returns the ones that
// were not yet members. The check and the add run in one script.
func (s *Store) AddNotified(ctx context.Context, requestID string, actorIDs []string, ttl time.Duration) ([]string, error) {
	if len(actorIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(actorIDs)+1)
	args = append(args, strconv.FormatInt(ttl.Milliseconds(), 10))
	args = append(args, toAny(actorIDs)...)

	fresh, err := addNotified.Run(ctx, s.client, []string{s.keys.notified(requestID)}, args...).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("haul/redis: add notified: %w", err)
	}
	return fresh, nil
}

// NotifiedMembers returns the request's set, sorted.
func (s *Store) NotifiedMembers(ctx context.Context, requestID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.notified(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: notified members: %w", err)
	}
	slices.Sort(members)
	return members, nil
}

// ClearNotified deletes the request's set.
func (s *Store) ClearNotified(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, s.keys.notified(requestID)).Err(); err != nil {
		return fmt.Errorf("haul/redis: clear notified: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Customer markers
// ──────────────────────────────────────────────────

// SetMarker points the customer's marker at requestID with SET NX.
func (s *Store) SetMarker(ctx context.Context, customerID, requestID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.marker(customerID), requestID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("haul/redis: set marker: %w", err)
	}
	return ok, nil
}

// GetMarker returns the request the marker names, or "".
func (s *Store) GetMarker(ctx context.Context, customerID string) (string, error) {
	v, err := s.client.Get(ctx, s.keys.marker(customerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("haul/redis: get marker: %w", err)
	}
	return v, nil
}

// ClearMarker deletes the marker only if it still names requestID.
func (s *Store) ClearMarker(ctx context.Context, customerID, requestID string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.keys.marker(customerID)}, requestID).Int()
	if err != nil {
		return false, fmt.Errorf("haul/redis: clear marker: %w", err)
	}
	return n == 1, nil
}

// ──────────────────────────────────────────────────
// Idempotency tokens
// ──────────────────────────────────────────────────

// Remember stores value under key for ttl.
func (s *Store) Remember(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keys.idem(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("haul/redis: remember: %w", err)
	}
	return nil
}

// Reserve stores value under key unless the key exists.
func (s *Store) Reserve(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.idem(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("haul/redis: reserve: %w", err)
	}
	return ok, nil
}

// Forget deletes key.
func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keys.idem(key)).Err(); err != nil {
		return fmt.Errorf("haul/redis: forget: %w", err)
	}
	return nil
}

// Recall returns the value under key.
func (s *Store) Recall(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.keys.idem(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("haul/redis: recall: %w", err)
	}
	return v, true, nil
}
