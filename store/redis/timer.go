package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/haul"
	"github.com/xraph/haul/timer"
)

// ──────────────────────────────────────────────────
// Timer Store
// ──────────────────────────────────────────────────

// ScheduleTimer replaces the entry Hash and moves the key in the index.
func (s *Store) ScheduleTimer(ctx context.Context, e *timer.Entry) error {
	hk := s.keys.timer(e.Key)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, hk)
	pipe.HSet(ctx, hk, entryToMap(e))
	pipe.ZAdd(ctx, s.keys.timers(), goredis.Z{Score: score(e.DueAt), Member: e.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: schedule timer: %w", err)
	}
	return nil
}

// CancelTimer removes the entry and its index member.
func (s *Store) CancelTimer(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.timer(key))
	pipe.ZRem(ctx, s.keys.timers(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: cancel timer: %w", err)
	}
	return nil
}

// DueTimers reads up to limit keys scored at or before now and loads their
// entries. Index members whose Hash is gone are dropped from the index.
func (s *Store) DueTimers(ctx context.Context, now time.Time, limit int) ([]*timer.Entry, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.keys.timers(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: due timers: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.keys.timer(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("haul/redis: load due timers: %w", err)
	}

	out := make([]*timer.Entry, 0, len(keys))
	var orphans []any
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			orphans = append(orphans, keys[i])
			continue
		}
		out = append(out, mapToEntry(vals))
	}
	if len(orphans) > 0 {
		if err := s.client.ZRem(ctx, s.keys.timers(), orphans...).Err(); err != nil {
			s.logger.Warn("redis: drop orphaned timer members", "error", err)
		}
	}
	return out, nil
}

// GetTimer loads the entry under key.
func (s *Store) GetTimer(ctx context.Context, key string) (*timer.Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.timer(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: get timer: %w", err)
	}
	if len(vals) == 0 {
		return nil, haul.ErrTimerNotFound
	}
	return mapToEntry(vals), nil
}

// CompleteTimer deletes the entry if its token still matches.
func (s *Store) CompleteTimer(ctx context.Context, key, token string) (bool, error) {
	n, err := completeTimer.Run(ctx, s.client,
		[]string{s.keys.timer(key), s.keys.timers()},
		key, token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("haul/redis: complete timer: %w", err)
	}
	return n == 1, nil
}

// RetryTimer pushes the entry to dueAt if its token still matches.
func (s *Store) RetryTimer(ctx context.Context, key, token string, dueAt time.Time) (bool, error) {
	dueAt = dueAt.UTC()
	n, err := retryTimer.Run(ctx, s.client,
		[]string{s.keys.timer(key), s.keys.timers()},
		key, token, dueAt.Format(time.RFC3339Nano), score(dueAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("haul/redis: retry timer: %w", err)
	}
	return n == 1, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func entryToMap(e *timer.Entry) map[string]any {
	return map[string]any{
		"key":        e.Key,
		"kind":       string(e.Kind),
		"payload":    string(e.Payload),
		"due_at":     e.DueAt.UTC().Format(time.RFC3339Nano),
		"token":      e.Token,
		"attempt":    strconv.Itoa(e.Attempt),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapToEntry(m map[string]string) *timer.Entry {
	attempt, _ := strconv.Atoi(m["attempt"])                      //nolint:errcheck // best-effort parse from trusted Redis data
	dueAt, _ := time.Parse(time.RFC3339Nano, m["due_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &timer.Entry{
		Key:       m["key"],
		Kind:      timer.Kind(m["kind"]),
		DueAt:     dueAt,
		Token:     m["token"],
		Attempt:   attempt,
		CreatedAt: createdAt,
	}
	if p := m["payload"]; p != "" {
		e.Payload = json.RawMessage(p)
	}
	return e
}

// ──────────────────────────────────────────────────
// Lease Store
// ──────────────────────────────────────────────────

// AcquireLease sets the lease key to owner with SET NX PX.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.lease(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("haul/redis: acquire lease: %w", err)
	}
	return ok, nil
}

// ReleaseLease deletes the lease key only if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	err := compareAndDelete.Run(ctx, s.client, []string{s.keys.lease(key)}, owner).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("haul/redis: release lease: %w", err)
	}
	return nil
}
