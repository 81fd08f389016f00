// Package guard classifies calls to external collaborators up front.
// A best-effort call is logged and skipped on failure; a must-succeed call
// aborts the surrounding transition and surfaces as
// haul.ErrStoreUnavailable unless it already failed with a domain error.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/haul"
)

// Class is the criticality of a call.
type Class int

const (
	// BestEffort failures are logged and swallowed.
	BestEffort Class = iota
	// MustSucceed failures abort the caller.
	MustSucceed
)

func (c Class) String() string {
	if c == MustSucceed {
		return "must-succeed"
	}
	return "best-effort"
}

// Runner executes classified calls for one component.
type Runner struct {
	component string
	logger    *slog.Logger
}

// New creates a Runner. component prefixes wrapped errors and log lines.
func New(component string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{component: component, logger: logger}
}

// Do runs fn with the given class.
func (r *Runner) Do(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if class == BestEffort {
		r.logger.Warn(r.component+": best-effort call failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return Unavailable(r.component, op, err)
}

// BestEffort runs fn and only logs a failure.
func (r *Runner) BestEffort(ctx context.Context, op string, fn func(ctx context.Context) error) {
	_ = r.Do(ctx, BestEffort, op, fn) //nolint:errcheck // best-effort never returns an error
}

// MustSucceed runs fn and returns a classified error on failure.
func (r *Runner) MustSucceed(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.Do(ctx, MustSucceed, op, fn)
}

// Unavailable wraps an infrastructure failure as haul.ErrStoreUnavailable.
// Domain errors and errors already marked unavailable keep their identity.
func Unavailable(component, op string, err error) error {
	if err == nil {
		return nil
	}
	if haul.IsDomain(err) || errors.Is(err, haul.ErrStoreUnavailable) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %s: %w", component, op, err)
	}
	return fmt.Errorf("%s: %s: %w: %w", component, op, haul.ErrStoreUnavailable, err)
}
