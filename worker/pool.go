package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/haul"
	"github.com/xraph/haul/id"
	"github.com/xraph/haul/lease"
	"github.com/xraph/haul/timer"
)

// Pool scans the shared timer index on an interval. Every replica runs
// one; the per-entry lease makes sure only one of them runs an entry at
// a time. An entry whose holder died becomes runnable again once the
// lease expires, since it was never completed.
type Pool struct {
	timers     timer.Store
	leases     lease.Store
	executor   *Executor
	workerID   id.WorkerID
	logger     *slog.Logger

	interval    time.Duration
	batch       int
	concurrency int
	leaseTTL    time.Duration
	now         func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	cancel   context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithScanInterval sets how often the pool scans for due entries.
func WithScanInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.interval = d }
}

// WithScanBatch sets how many due entries one scan reads.
func WithScanBatch(n int) PoolOption {
	return func(p *Pool) { p.batch = n }
}

// WithConcurrency sets how many entries run at once.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithLeaseTTL sets how long an entry stays leased to this replica.
// Handlers must finish well within it.
func WithLeaseTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithClock overrides the time source used to find due entries.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		p.now = now
		p.executor.now = now
	}
}

// NewPool creates a timer pool.
func NewPool(
	timers timer.Store,
	leases lease.Store,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		timers:      timers,
		leases:      leases,
		executor:    executor,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		interval:    5 * time.Second,
		batch:       100,
		concurrency: 8,
		leaseTTL:    30 * time.Second,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the scan loop. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("timer pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("interval", p.interval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p.activeMu.Lock()
	p.cancel = cancel
	p.activeMu.Unlock()

	p.wg.Add(1)
	go p.scanLoop(ctx)
	return nil
}

// Stop signals the scan loop to stop and waits for running handlers.
// If ctx ends first, running handlers are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("timer pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("timer pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("timer pool shutdown timed out, cancelling active timers")
		p.activeMu.Lock()
		p.cancel()
		p.activeMu.Unlock()
		p.wg.Wait()
	}

	p.activeMu.Lock()
	p.cancel()
	p.activeMu.Unlock()
	return nil
}

func (p *Pool) scanLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("timer scan error", slog.String("error", err.Error()))
		}
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce scans one batch of due entries and runs every entry this
// replica could lease. It returns how many entries ran.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	due, err := p.timers.DueTimers(ctx, p.now(), p.batch)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var (
		mu  sync.Mutex
		ran int
	)
	for _, e := range due {
		g.Go(func() error {
			if p.runEntry(gctx, e) {
				mu.Lock()
				ran++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return ran, nil
}

// runEntry leases and runs one entry. It reports whether the handler ran.
func (p *Pool) runEntry(ctx context.Context, candidate *timer.Entry) bool {
	l, err := lease.Acquire(ctx, p.leases, lease.TimerKey(candidate.Key), p.leaseTTL)
	if err != nil {
		p.logger.Warn("timer lease error",
			slog.String("timer_key", candidate.Key),
			slog.String("error", err.Error()),
		)
		return false
	}
	if l == nil {
		return false
	}
	defer func() {
		if rErr := l.Release(ctx); rErr != nil {
			p.logger.Debug("timer lease release failed",
				slog.String("timer_key", candidate.Key),
				slog.String("error", rErr.Error()),
			)
		}
	}()

	// The scan result may be stale: another replica can have settled or
	// rescheduled the entry between the scan and the lease.
	e, err := p.timers.GetTimer(ctx, candidate.Key)
	if err != nil {
		if !errors.Is(err, haul.ErrTimerNotFound) {
			p.logger.Warn("timer reload failed",
				slog.String("timer_key", candidate.Key),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	if e.DueAt.After(p.now()) {
		return false
	}

	if execErr := p.executor.Execute(ctx, e); execErr != nil {
		p.logger.Debug("timer execution failed",
			slog.String("timer_key", e.Key),
			slog.String("error", execErr.Error()),
		)
	}
	return true
}
