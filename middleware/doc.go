// Package middleware provides composable middleware for timer execution.
//
// A [Middleware] wraps the handler of one due timer entry. Middleware are
// composed into a chain using [Chain] and applied before each handler
// runs. They are applied right-to-left: the first middleware in the slice
// is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs the timer key, kind, attempt and outcome
//   - [Recover] converts handler panics to errors
//   - [Timeout] cancels the handler context after a fixed duration
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-kind duration and outcome counters
//
// Logging, Tracing and Metrics label each run "ok", "error" or "timeout";
// a handler that returns context.DeadlineExceeded counts as a timeout.
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, e *timer.Entry, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
