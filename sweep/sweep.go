// Package sweep reconciles requests whose timers or finalization went
// missing. It runs on a cron schedule on every replica; a lease keeps
// passes from overlapping.
//
// A sweep pass does two things:
//   - finalize terminal requests whose terminal effects never completed
//   - expire open requests whose deadline passed by more than a grace
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/lease"
)

// Lifecycle is the slice of the lifecycle machine a sweep drives.
type Lifecycle interface {
	Finalize(ctx context.Context, requestID string) error
	Expire(ctx context.Context, requestID string) error
}

// Report summarizes one pass.
type Report struct {
	Finalized int
	Expired   int
	Failed    int

	// Skipped is set when another replica held the sweep lease.
	Skipped bool
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// WithBatch caps requests handled per kind per pass.
func WithBatch(n int) Option { return func(s *Sweeper) { s.batch = n } }

// WithGrace sets how far past its deadline an open request must be before
// the sweep expires it. The expiry timer normally gets there first.
func WithGrace(d time.Duration) Option { return func(s *Sweeper) { s.grace = d } }

// WithLeaseTTL sets the TTL of the sweep lease.
func WithLeaseTTL(d time.Duration) Option { return func(s *Sweeper) { s.leaseTTL = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// Sweeper runs reconciliation passes.
type Sweeper struct {
	requests  broadcast.Store
	lifecycle Lifecycle
	leases    lease.Store
	schedule  cronlib.Schedule
	logger    *slog.Logger

	batch    int
	grace    time.Duration
	leaseTTL time.Duration
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sweeper firing on the cron expression schedule.
func New(requests broadcast.Store, lc Lifecycle, leases lease.Store, schedule string, opts ...Option) (*Sweeper, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("haul/sweep: parse schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		requests:  requests,
		lifecycle: lc,
		leases:    leases,
		schedule:  sched,
		logger:    slog.Default(),
		batch:     100,
		grace:     30 * time.Second,
		leaseTTL:  time.Minute,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the schedule loop.
func (s *Sweeper) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("sweeper started")
	return nil
}

// Stop signals the loop to stop and waits for a running pass to finish.
func (s *Sweeper) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		wait := time.Until(s.schedule.Next(time.Now()))
		t := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			t.Stop()
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.leaseTTL)
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("sweep failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// RunOnce runs one pass if no other replica is running one.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	l, err := lease.Acquire(ctx, s.leases, lease.SweepKey, s.leaseTTL)
	if err != nil {
		return rep, fmt.Errorf("haul/sweep: acquire lease: %w", err)
	}
	if l == nil {
		rep.Skipped = true
		return rep, nil
	}
	defer func() {
		if rErr := l.Release(ctx); rErr != nil {
			s.logger.Debug("sweep lease release failed", slog.String("error", rErr.Error()))
		}
	}()

	stranded, err := s.requests.ListUnfinalizedRequests(ctx, s.batch)
	if err != nil {
		return rep, fmt.Errorf("haul/sweep: list unfinalized: %w", err)
	}
	for _, r := range stranded {
		if err := s.lifecycle.Finalize(ctx, r.ID.String()); err != nil {
			rep.Failed++
			s.logger.Warn("sweep: finalize failed",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Finalized++
	}

	overdue, err := s.requests.ListOverdueRequests(ctx, s.now().Add(-s.grace), s.batch)
	if err != nil {
		return rep, fmt.Errorf("haul/sweep: list overdue: %w", err)
	}
	for _, r := range overdue {
		if err := s.lifecycle.Expire(ctx, r.ID.String()); err != nil {
			rep.Failed++
			s.logger.Warn("sweep: expire failed",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Expired++
	}

	if rep.Finalized+rep.Expired+rep.Failed > 0 {
		s.logger.Info("sweep complete",
			slog.Int("finalized", rep.Finalized),
			slog.Int("expired", rep.Expired),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}
