// Package worker runs the shared timer index: a Pool scans for due
// entries, leases each one, and hands it to an Executor that runs the
// registered handler through middleware and settles the entry.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/middleware"
	"github.com/xraph/haul/timer"
)

// Executor runs a single entry through middleware and its handler, then
// completes, retries or abandons it.
type Executor struct {
	registry    *timer.Registry
	timers      timer.Store
	extensions  *ext.Registry
	backoff     backoff.Strategy
	maxAttempts int
	mw          middleware.Middleware
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor creates an Executor. An entry whose handler failed
// maxAttempts times is dropped.
func NewExecutor(
	registry *timer.Registry,
	timers timer.Store,
	extensions *ext.Registry,
	bo backoff.Strategy,
	maxAttempts int,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		registry:    registry,
		timers:      timers,
		extensions:  extensions,
		backoff:     bo,
		maxAttempts: maxAttempts,
		mw:          middleware.Chain(mws...),
		logger:      logger,
		now:         time.Now,
	}
}

// Execute runs e. On success the entry is completed. On failure it is
// pushed back by the backoff strategy, or dropped once its attempts are
// exhausted. Completion and retry only apply while e.Token is current, so
// an entry the handler rescheduled survives.
func (x *Executor) Execute(ctx context.Context, e *timer.Entry) error {
	start := x.now()

	terminal := func(ctx context.Context) error {
		h, ok := x.registry.Get(e.Kind)
		if !ok {
			return fmt.Errorf("no handler registered for timer kind %q", e.Kind)
		}
		return h(ctx, e)
	}

	err := x.mw(ctx, e, terminal)
	if err != nil {
		return x.handleFailure(ctx, e, err)
	}

	if _, cErr := x.timers.CompleteTimer(ctx, e.Key, e.Token); cErr != nil {
		// The entry stays due and is run again. Handlers are idempotent.
		x.logger.Error("failed to complete timer",
			slog.String("timer_key", e.Key),
			slog.String("error", cErr.Error()),
		)
		return cErr
	}
	x.extensions.EmitTimerCompleted(ctx, e, x.now().Sub(start))
	return nil
}

func (x *Executor) handleFailure(ctx context.Context, e *timer.Entry, handlerErr error) error {
	attempt := e.Attempt + 1
	if attempt >= x.maxAttempts {
		return x.abandon(ctx, e, handlerErr)
	}

	delay := x.backoff.Delay(attempt)
	retried, err := x.timers.RetryTimer(ctx, e.Key, e.Token, x.now().Add(delay))
	if err != nil {
		x.logger.Error("failed to reschedule timer",
			slog.String("timer_key", e.Key),
			slog.String("error", err.Error()),
		)
		return err
	}
	if retried {
		x.extensions.EmitTimerFailed(ctx, e, handlerErr)
		x.logger.Info("timer scheduled for retry",
			slog.String("timer_key", e.Key),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", x.maxAttempts),
			slog.Duration("delay", delay),
		)
	}
	return fmt.Errorf("timer %s attempt %d/%d: %w", e.Key, attempt, x.maxAttempts, handlerErr)
}

func (x *Executor) abandon(ctx context.Context, e *timer.Entry, handlerErr error) error {
	if _, err := x.timers.CompleteTimer(ctx, e.Key, e.Token); err != nil {
		x.logger.Error("failed to drop exhausted timer",
			slog.String("timer_key", e.Key),
			slog.String("error", err.Error()),
		)
		return err
	}
	x.extensions.EmitTimerAbandoned(ctx, e, handlerErr)
	x.logger.Warn("timer dropped after exhausting attempts",
		slog.String("timer_key", e.Key),
		slog.String("kind", string(e.Kind)),
		slog.Int("attempts", e.Attempt+1),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}
