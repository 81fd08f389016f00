package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/archive"
)

type notifiedSet struct {
	members []string
	until   time.Time
}

// ──────────────────────────────────────────────────
// NotifiedSet
// ──────────────────────────────────────────────────

// AddNotified adds actorIDs to the request's set and returns the ones that
// were not yet members.
func (m *Store) AddNotified(_ context.Context, requestID string, actorIDs []string, ttl time.Duration) ([]string, error) {
	if err := m.fault("AddNotified"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.notified[requestID]
	if !ok || !m.live(set.until) {
		set = &notifiedSet{}
		m.notified[requestID] = set
	}
	var fresh []string
	for _, a := range actorIDs {
		if !slices.Contains(set.members, a) {
			set.members = append(set.members, a)
			fresh = append(fresh, a)
		}
	}
	set.until = m.deadline(ttl)
	return fresh, nil
}

// NotifiedMembers returns the request's set.
func (m *Store) NotifiedMembers(_ context.Context, requestID string) ([]string, error) {
	if err := m.fault("NotifiedMembers"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.notified[requestID]
	if !ok || !m.live(set.until) {
		return nil, nil
	}
	return slices.Clone(set.members), nil
}

// ClearNotified deletes the request's set.
func (m *Store) ClearNotified(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notified, requestID)
	return nil
}

// ──────────────────────────────────────────────────
// Customer markers
// ──────────────────────────────────────────────────

// SetMarker points the customer's marker at requestID if no live marker
// exists.
func (m *Store) SetMarker(_ context.Context, customerID, requestID string, ttl time.Duration) (bool, error) {
	if err := m.fault("SetMarker"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.markers[customerID]; ok && m.live(cur.until) {
		return false, nil
	}
	m.markers[customerID] = expiring{value: requestID, until: m.deadline(ttl)}
	return true, nil
}

// GetMarker returns the request the customer's marker names, or "".
func (m *Store) GetMarker(_ context.Context, customerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.markers[customerID]
	if !ok || !m.live(cur.until) {
		return "", nil
	}
	return cur.value, nil
}

// ClearMarker deletes the marker only if it still names requestID.
func (m *Store) ClearMarker(_ context.Context, customerID, requestID string) (bool, error) {
	if err := m.fault("ClearMarker"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.markers[customerID]
	if !ok || cur.value != requestID {
		return false, nil
	}
	delete(m.markers, customerID)
	return true, nil
}

// ──────────────────────────────────────────────────
// Idempotency tokens
// ──────────────────────────────────────────────────

// Remember stores value under key for ttl.
func (m *Store) Remember(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = expiringBytes{value: slices.Clone(value), until: m.deadline(ttl)}
	return nil
}

// Reserve stores value under key unless a live value exists.
func (m *Store) Reserve(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.fault("Reserve"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.tokens[key]; ok && m.live(cur.until) {
		return false, nil
	}
	m.tokens[key] = expiringBytes{value: slices.Clone(value), until: m.deadline(ttl)}
	return true, nil
}

// Forget deletes key.
func (m *Store) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

// Recall returns the value under key.
func (m *Store) Recall(_ context.Context, key string) ([]byte, bool, error) {
	if err := m.fault("Recall"); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.tokens[key]
	if !ok || !m.live(cur.until) {
		return nil, false, nil
	}
	return slices.Clone(cur.value), true, nil
}

// ──────────────────────────────────────────────────
// Archive
// ──────────────────────────────────────────────────

// SaveSummary inserts or replaces a summary.
func (m *Store) SaveSummary(_ context.Context, s *archive.Summary) error {
	if err := m.fault("SaveSummary"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.NotifiedIDs = slices.Clone(s.NotifiedIDs)
	cp.AssignmentIDs = slices.Clone(s.AssignmentIDs)
	m.summaries[s.RequestID] = &cp
	return nil
}

// GetSummary returns a request's summary.
func (m *Store) GetSummary(_ context.Context, requestID string) (*archive.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summaries[requestID]
	if !ok {
		return nil, haul.ErrSummaryNotFound
	}
	cp := *s
	cp.NotifiedIDs = slices.Clone(s.NotifiedIDs)
	return &cp, nil
}

// ListSummariesByCustomer returns a customer's summaries newest first.
func (m *Store) ListSummariesByCustomer(_ context.Context, customerID string, limit int) ([]*archive.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*archive.Summary
	for _, s := range m.summaries {
		if s.CustomerID == customerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.After(out[j].FinalizedAt) })
	return page(out, limit, 0), nil
}
