package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xraph/haul"
)

type point = haul.Point

// ──────────────────────────────────────────────────
// Presence Store
// ──────────────────────────────────────────────────

// GetIntent returns the actor's online intent.
func (m *Store) GetIntent(_ context.Context, actorID string) (bool, error) {
	if err := m.fault("GetIntent"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intents[actorID], nil
}

// SetIntent persists the actor's online intent.
func (m *Store) SetIntent(_ context.Context, actorID string, online bool) error {
	if err := m.fault("SetIntent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[actorID] = online
	return nil
}

// OpenConnectivity creates or resets the connectivity key.
func (m *Store) OpenConnectivity(_ context.Context, actorID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity[actorID] = m.deadline(ttl)
	return nil
}

// RefreshConnectivity extends the connectivity key if it is still live.
func (m *Store) RefreshConnectivity(_ context.Context, actorID string, ttl time.Duration) (bool, error) {
	if err := m.fault("RefreshConnectivity"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.connectivity[actorID]
	if !ok || !m.live(until) {
		delete(m.connectivity, actorID)
		return false, nil
	}
	m.connectivity[actorID] = m.deadline(ttl)
	return true, nil
}

// CloseConnectivity deletes the connectivity key.
func (m *Store) CloseConnectivity(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connectivity, actorID)
	return nil
}

// FilterConnected returns the actors whose connectivity key is live.
func (m *Store) FilterConnected(_ context.Context, actorIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(actorIDs))
	for _, a := range actorIDs {
		if until, ok := m.connectivity[a]; ok && m.live(until) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetCapabilities records the capabilities an actor serves.
func (m *Store) SetCapabilities(_ context.Context, actorID string, caps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[actorID] = slices.Clone(caps)
	return nil
}

// Capabilities returns the recorded capabilities.
func (m *Store) Capabilities(_ context.Context, actorID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.caps[actorID]), nil
}

// AddOnline adds the actor to each capability's online set.
func (m *Store) AddOnline(_ context.Context, actorID string, caps []string) error {
	if err := m.fault("AddOnline"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range caps {
		set, ok := m.online[c]
		if !ok {
			set = make(map[string]struct{})
			m.online[c] = set
		}
		set[actorID] = struct{}{}
	}
	return nil
}

// RemoveOnline removes the actor from each capability's online set.
func (m *Store) RemoveOnline(_ context.Context, actorID string, caps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range caps {
		delete(m.online[c], actorID)
	}
	return nil
}

// OnlineMembers returns a capability's online set, sorted.
func (m *Store) OnlineMembers(_ context.Context, capability string) ([]string, error) {
	if err := m.fault("OnlineMembers"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.online[capability]))
	for a := range m.online[capability] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// UpdatePosition records the actor in each capability's geo index.
func (m *Store) UpdatePosition(_ context.Context, actorID string, caps []string, at haul.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range caps {
		idx, ok := m.positions[c]
		if !ok {
			idx = make(map[string]point)
			m.positions[c] = idx
		}
		idx[actorID] = at
	}
	return nil
}

// RemovePosition drops the actor from each capability's geo index.
func (m *Store) RemovePosition(_ context.Context, actorID string, caps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range caps {
		delete(m.positions[c], actorID)
	}
	return nil
}

// ToggleHistory returns toggle times at or after since, oldest first.
func (m *Store) ToggleHistory(_ context.Context, actorID string, since time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []time.Time
	for _, t := range m.toggles[actorID] {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// RecordToggle appends a toggle and trims entries older than window.
func (m *Store) RecordToggle(_ context.Context, actorID string, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-window)
	kept := m.toggles[actorID][:0]
	for _, t := range m.toggles[actorID] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.toggles[actorID] = append(kept, at)
	return nil
}

// ──────────────────────────────────────────────────
// Geo index
// ──────────────────────────────────────────────────

// Nearby returns up to limit actors serving capability within radiusKm of
// center, nearest first.
func (m *Store) Nearby(_ context.Context, capability string, center haul.Point, radiusKm float64, limit int) ([]string, error) {
	if err := m.fault("Nearby"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type hit struct {
		actor string
		dist  float64
	}
	var hits []hit
	for actor, p := range m.positions[capability] {
		if d := center.DistanceKm(p); d <= radiusKm {
			hits = append(hits, hit{actor, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].actor < hits[j].actor
		}
		return hits[i].dist < hits[j].dist
	})
	hits = page(hits, limit, 0)

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.actor
	}
	return out, nil
}
