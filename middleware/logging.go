package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/haul/timer"
)

// Logging logs each timer run. Starts are debug, successes info,
// timeouts warn and other failures error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *timer.Entry, next Handler) error {
		log := logger.With(
			slog.String("timer_key", e.Key),
			slog.String("kind", string(e.Kind)),
		)
		if rid := timer.RequestID(e.Key); rid != "" {
			log = log.With(slog.String("request_id", rid))
		}

		start := time.Now()
		log.Debug("timer started",
			slog.Int("attempt", e.Attempt),
			slog.Duration("lag", start.Sub(e.DueAt)),
		)

		err := next(ctx)
		elapsed := time.Since(start)

		switch outcome(err) {
		case OutcomeOK:
			log.Info("timer completed", slog.Duration("elapsed", elapsed))
		case OutcomeTimeout:
			log.Warn("timer timed out",
				slog.Int("attempt", e.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		default:
			log.Error("timer failed",
				slog.Int("attempt", e.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
