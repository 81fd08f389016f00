package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/haul/timer"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *timer.Entry, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("timer handler panicked",
					slog.String("timer_key", e.Key),
					slog.String("kind", string(e.Kind)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in timer %s: %v", e.Key, r)
			}
		}()
		return next(ctx)
	}
}
