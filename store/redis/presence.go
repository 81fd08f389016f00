package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/haul"
)

// ──────────────────────────────────────────────────
// Presence Store
// ──────────────────────────────────────────────────

// GetIntent returns the actor's persisted online intent.
func (s *Store) GetIntent(ctx context.Context, actorID string) (bool, error) {
	v, err := s.client.Get(ctx, s.keys.intent(actorID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("haul/redis: get intent: %w", err)
	}
	return v == "1", nil
}

// SetIntent persists the actor's online intent without a TTL.
func (s *Store) SetIntent(ctx context.Context, actorID string, online bool) error {
	v := "0"
	if online {
		v = "1"
	}
	if err := s.client.Set(ctx, s.keys.intent(actorID), v, 0).Err(); err != nil {
		return fmt.Errorf("haul/redis: set intent: %w", err)
	}
	return nil
}

// OpenConnectivity creates or resets the connectivity key.
func (s *Store) OpenConnectivity(ctx context.Context, actorID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keys.conn(actorID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("haul/redis: open connectivity: %w", err)
	}
	return nil
}

// RefreshConnectivity extends the connectivity key only if it exists.
func (s *Store) RefreshConnectivity(ctx context.Context, actorID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, s.keys.conn(actorID), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("haul/redis: refresh connectivity: %w", err)
	}
	return ok, nil
}

// CloseConnectivity deletes the connectivity key.
func (s *Store) CloseConnectivity(ctx context.Context, actorID string) error {
	if err := s.client.Del(ctx, s.keys.conn(actorID)).Err(); err != nil {
		return fmt.Errorf("haul/redis: close connectivity: %w", err)
	}
	return nil
}

// FilterConnected checks every connectivity key in one pipeline and keeps
// the live ones in input order.
func (s *Store) FilterConnected(ctx context.Context, actorIDs []string) ([]string, error) {
	if len(actorIDs) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.IntCmd, len(actorIDs))
	for i, a := range actorIDs {
		cmds[i] = pipe.Exists(ctx, s.keys.conn(a))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("haul/redis: filter connected: %w", err)
	}

	out := make([]string, 0, len(actorIDs))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			out = append(out, actorIDs[i])
		}
	}
	return out, nil
}

// SetCapabilities replaces the actor's capability set.
func (s *Store) SetCapabilities(ctx context.Context, actorID string, caps []string) error {
	key := s.keys.caps(actorID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(caps) > 0 {
		pipe.SAdd(ctx, key, toAny(caps)...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: set capabilities: %w", err)
	}
	return nil
}

// Capabilities returns the recorded capabilities, sorted.
func (s *Store) Capabilities(ctx context.Context, actorID string) ([]string, error) {
	caps, err := s.client.SMembers(ctx, s.keys.caps(actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: capabilities: %w", err)
	}
	slices.Sort(caps)
	return caps, nil
}

// AddOnline adds the actor to each capability's online set.
func (s *Store) AddOnline(ctx context.Context, actorID string, caps []string) error {
	pipe := s.client.TxPipeline()
	for _, c := range caps {
		pipe.SAdd(ctx, s.keys.online(c), actorID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: add online: %w", err)
	}
	return nil
}

// RemoveOnline removes the actor from each capability's online set.
func (s *Store) RemoveOnline(ctx context.Context, actorID string, caps []string) error {
	pipe := s.client.TxPipeline()
	for _, c := range caps {
		pipe.SRem(ctx, s.keys.online(c), actorID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: remove online: %w", err)
	}
	return nil
}

// OnlineMembers returns a capability's online set, sorted.
func (s *Store) OnlineMembers(ctx context.Context, capability string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.online(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: online members: %w", err)
	}
	slices.Sort(members)
	return members, nil
}

// UpdatePosition records the actor in each capability's geo index.
func (s *Store) UpdatePosition(ctx context.Context, actorID string, caps []string, at haul.Point) error {
	pipe := s.client.Pipeline()
	for _, c := range caps {
		pipe.GeoAdd(ctx, s.keys.geo(c), &goredis.GeoLocation{
			Name:      actorID,
			Longitude: at.Lon,
			Latitude:  at.Lat,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: update position: %w", err)
	}
	return nil
}

// RemovePosition drops the actor from each capability's geo index.
func (s *Store) RemovePosition(ctx context.Context, actorID string, caps []string) error {
	pipe := s.client.Pipeline()
	for _, c := range caps {
		pipe.ZRem(ctx, s.keys.geo(c), actorID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: remove position: %w", err)
	}
	return nil
}

// ToggleHistory returns toggle times at or after since, oldest first.
// Members carry the toggle time in nanoseconds; scores are milliseconds.
func (s *Store) ToggleHistory(ctx context.Context, actorID string, since time.Time) ([]time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.toggles(actorID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: toggle history: %w", err)
	}

	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		ns, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		if t := time.Unix(0, ns).UTC(); !t.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// RecordToggle appends a toggle, trims entries older than window and keeps
// the key alive for one window.
func (s *Store) RecordToggle(ctx context.Context, actorID string, at time.Time, window time.Duration) error {
	key := s.keys.toggles(actorID)
	cutoff := at.Add(-window)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: score(at), Member: strconv.FormatInt(at.UnixNano(), 10)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haul/redis: record toggle: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Geo index
// ──────────────────────────────────────────────────

// Nearby runs GEOSEARCH around center, nearest first.
func (s *Store) Nearby(ctx context.Context, capability string, center haul.Point, radiusKm float64, limit int) ([]string, error) {
	q := &goredis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}
	if limit > 0 {
		q.Count = limit
	}
	actors, err := s.client.GeoSearch(ctx, s.keys.geo(capability), q).Result()
	if err != nil {
		return nil, fmt.Errorf("haul/redis: nearby: %w", err)
	}
	return actors, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
