// Package memory is a fully in-memory implementation of every haul store
// contract: the durable request store, the timer index, leases, presence,
// the NotifiedSet, markers, idempotency tokens and archived summaries.
// It is safe for concurrent access and intended for tests and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/haul/archive"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/idempotency"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/lifecycle"
	"github.com/xraph/haul/presence"
	"github.com/xraph/haul/timer"
)

// Ensure Store implements every contract at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ broadcast.Store         = (*Store)(nil)
	_ timer.Store             = (*Store)(nil)
	_ lease.Store             = (*Store)(nil)
	_ presence.Store          = (*Store)(nil)
	_ discovery.GeoIndex      = (*Store)(nil)
	_ discovery.NotifiedStore = (*Store)(nil)
	_ lifecycle.MarkerStore   = (*Store)(nil)
	_ idempotency.Store       = (*Store)(nil)
	_ archive.Store           = (*Store)(nil)
)

// Store is the in-memory store.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	requests    map[string]*broadcast.Request
	units       map[string]*broadcast.DemandUnit
	assignments map[string]*broadcast.Assignment

	timers map[string]*timer.Entry
	leases map[string]expiring

	intents      map[string]bool
	connectivity map[string]time.Time
	caps         map[string][]string
	online       map[string]map[string]struct{}
	positions    map[string]map[string]point
	toggles      map[string][]time.Time

	notified  map[string]*notifiedSet
	markers   map[string]expiring
	tokens    map[string]expiringBytes
	summaries map[string]*archive.Summary

	faultMu sync.Mutex
	faults  map[string]error
}

type expiring struct {
	value string
	until time.Time
}

type expiringBytes struct {
	value []byte
	until time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for TTLs and due times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		requests:     make(map[string]*broadcast.Request),
		units:        make(map[string]*broadcast.DemandUnit),
		assignments:  make(map[string]*broadcast.Assignment),
		timers:       make(map[string]*timer.Entry),
		leases:       make(map[string]expiring),
		intents:      make(map[string]bool),
		connectivity: make(map[string]time.Time),
		caps:         make(map[string][]string),
		online:       make(map[string]map[string]struct{}),
		positions:    make(map[string]map[string]point),
		toggles:      make(map[string][]time.Time),
		notified:     make(map[string]*notifiedSet),
		markers:      make(map[string]expiring),
		tokens:       make(map[string]expiringBytes),
		summaries:    make(map[string]*archive.Summary),
		faults:       make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping succeeds unless a fault was injected with FailNext.
func (m *Store) Ping(_ context.Context) error { return m.fault("Ping") }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Fault injection
// ──────────────────────────────────────────────────

// FailNext makes the next call of the named method return err. It lets
// tests exercise degraded and fail-closed paths.
func (m *Store) FailNext(method string, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[method] = err
}

func (m *Store) fault(method string) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	err, ok := m.faults[method]
	if !ok {
		return nil
	}
	delete(m.faults, method)
	return err
}

func (m *Store) live(until time.Time) bool {
	return until.IsZero() || m.now().Before(until)
}

func (m *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
