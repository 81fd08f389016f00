package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/timer"
)

// ──────────────────────────────────────────────────
// Timer Store
// ──────────────────────────────────────────────────

// ScheduleTimer inserts or replaces the entry under e.Key.
func (m *Store) ScheduleTimer(_ context.Context, e *timer.Entry) error {
	if err := m.fault("ScheduleTimer"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.timers[e.Key] = &cp
	return nil
}

// CancelTimer removes the entry under key.
func (m *Store) CancelTimer(_ context.Context, key string) error {
	if err := m.fault("CancelTimer"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.timers, key)
	return nil
}

// DueTimers returns up to limit entries due at or before now, earliest
// first.
func (m *Store) DueTimers(_ context.Context, now time.Time, limit int) ([]*timer.Entry, error) {
	if err := m.fault("DueTimers"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*timer.Entry
	for _, e := range m.timers {
		if !e.DueAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return page(out, limit, 0), nil
}

// GetTimer returns the entry under key.
func (m *Store) GetTimer(_ context.Context, key string) (*timer.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.timers[key]
	if !ok {
		return nil, haul.ErrTimerNotFound
	}
	cp := *e
	return &cp, nil
}

// CompleteTimer deletes the entry if its token matches.
func (m *Store) CompleteTimer(_ context.Context, key, token string) (bool, error) {
	if err := m.fault("CompleteTimer"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[key]
	if !ok || e.Token != token {
		return false, nil
	}
	delete(m.timers, key)
	return true, nil
}

// RetryTimer pushes the entry to dueAt if its token matches.
func (m *Store) RetryTimer(_ context.Context, key, token string, dueAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[key]
	if !ok || e.Token != token {
		return false, nil
	}
	e.DueAt = dueAt.UTC()
	e.Attempt++
	return true, nil
}

// ──────────────────────────────────────────────────
// Lease Store
// ──────────────────────────────────────────────────

// AcquireLease sets key to owner for ttl if the key is free.
func (m *Store) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := m.fault("AcquireLease"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && m.live(cur.until) {
		return false, nil
	}
	m.leases[key] = expiring{value: owner, until: m.deadline(ttl)}
	return true, nil
}

// ReleaseLease deletes key if owner still holds it.
func (m *Store) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.value == owner {
		delete(m.leases, key)
	}
	return nil
}
