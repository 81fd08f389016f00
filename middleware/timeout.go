package middleware

import (
	"context"
	"time"

	"github.com/xraph/haul/timer"
)

// Timeout returns middleware that cancels the handler context after d.
// The worker keeps d below the timer lease TTL so a slow handler gives up
// before another replica can take the entry over. A zero d disables it.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *timer.Entry, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
