package middleware

import (
	"context"
	"errors"

	"github.com/xraph/haul/timer"
)

// Handler is the terminal function that runs a timer's handler.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the entry being run, and the next handler to call.
type Middleware func(ctx context.Context, e *timer.Entry, next Handler) error

// Chain composes multiple middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper:
//
//	Chain(logging, recover, timeout) runs logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, e *timer.Entry, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error { return mw(ctx, e, inner) }
		}
		return h(ctx)
	}
}

// Outcome labels a handler result for logs, spans and metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// outcome classifies err. A handler that ran out of time is reported
// separately so lease sizing problems stand out from handler bugs.
func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
