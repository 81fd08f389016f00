package timer

import (
	"context"
	"time"
)

// Store defines the contract of the shared time-ordered index.
type Store interface {
	// ScheduleTimer inserts or replaces the entry under e.Key.
	ScheduleTimer(ctx context.Context, e *Entry) error

	// CancelTimer removes the entry under key. Missing keys are not an
	// error.
	CancelTimer(ctx context.Context, key string) error

	// DueTimers returns up to limit entries with DueAt <= now, earliest
	// first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// GetTimer returns haul.ErrTimerNotFound when absent.
	GetTimer(ctx context.Context, key string) (*Entry, error)

	// CompleteTimer deletes the entry only if its token still matches.
	CompleteTimer(ctx context.Context, key, token string) (bool, error)

	// RetryTimer pushes the entry to dueAt and increments its attempt
	// counter, only if its token still matches.
	RetryTimer(ctx context.Context, key, token string, dueAt time.Time) (bool, error)
}
