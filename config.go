package haul

import (
	"fmt"
	"time"
)

// Step is one ring of progressive radius expansion.
type Step struct {
	// RadiusKm is the search radius around the pickup point.
	RadiusKm float64

	// Wait is how long the engine waits for accepts before widening.
	Wait time.Duration
}

// ActivePolicy decides what happens when a customer creates a broadcast
// while another one is still open.
type ActivePolicy string

const (
	// PolicyReject refuses the new broadcast with a conflict.
	PolicyReject ActivePolicy = "reject"

	// PolicyReplace cancels the open broadcast and creates the new one.
	PolicyReplace ActivePolicy = "replace"
)

// Config holds configuration for the engine.
type Config struct {
	// Steps are the radius rings, smallest first.
	Steps []Step

	// FallbackScan enables a final radius-free scan of every online,
	// type-matching actor once all steps ran with demand still unmet.
	FallbackScan bool

	// StepCandidateLimit caps candidates taken from the geo index per step.
	StepCandidateLimit int

	// BroadcastTimeout is how long a request stays open before it expires.
	BroadcastTimeout time.Duration

	// MarkerGrace is added to the broadcast timeout for ephemeral TTLs
	// (exclusivity marker, notified set) so they outlive the lifecycle.
	MarkerGrace time.Duration

	// ActivePolicy selects reject or replace for a second create.
	ActivePolicy ActivePolicy

	// ScanInterval is how often every replica scans for due timers.
	ScanInterval time.Duration

	// ScanBatch caps due timers read per scan.
	ScanBatch int

	// TimerConcurrency caps handlers run concurrently per scan.
	TimerConcurrency int

	// TimerLeaseTTL bounds how long one replica owns a due timer.
	TimerLeaseTTL time.Duration

	// TimerMaxAttempts is how many times a failing timer handler runs
	// before its entry is abandoned.
	TimerMaxAttempts int

	// AcceptLeaseTTL is the TTL of the advisory accept lease.
	AcceptLeaseTTL time.Duration

	// AcceptLeaseTries is how many times accept waits for a held lease.
	AcceptLeaseTries int

	// AcceptMaxAttempts bounds serializable transaction retries.
	AcceptMaxAttempts int

	// AcceptIdempotencyTTL is how long accept results are replayable.
	AcceptIdempotencyTTL time.Duration

	// CreateIdempotencyTTL is how long create tokens map to a request.
	CreateIdempotencyTTL time.Duration

	// ConnectivityTTL is the lifetime of a presence connectivity key
	// between heartbeats.
	ConnectivityTTL time.Duration

	// ToggleCooldown is the minimum spacing between presence toggles.
	ToggleCooldown time.Duration

	// ToggleWindow and ToggleWindowMax form the sliding-window cap.
	ToggleWindow    time.Duration
	ToggleWindowMax int

	// ToggleLeaseTTL guards one toggle in progress per actor.
	ToggleLeaseTTL time.Duration

	// DeliveryBatch caps open requests delivered to a newly online actor.
	DeliveryBatch int

	// SweepSchedule is the cron expression for the reconciliation sweep.
	SweepSchedule string

	// SweepBatch caps requests handled per sweep pass.
	SweepBatch int

	// OutboxBuffer bounds events waiting for delivery. Publishing to a
	// full outbox drops the event.
	OutboxBuffer int

	// OutboxWorkers is the number of concurrent delivery loops.
	OutboxWorkers int

	// OutboxMaxAttempts bounds delivery retries per batch.
	OutboxMaxAttempts int

	// OutboxRate and OutboxBurst limit deliveries per second. Zero
	// disables the limit.
	OutboxRate  float64
	OutboxBurst int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Steps: []Step{
			{RadiusKm: 10, Wait: 20 * time.Second},
			{RadiusKm: 25, Wait: 20 * time.Second},
			{RadiusKm: 50, Wait: 20 * time.Second},
			{RadiusKm: 75, Wait: 20 * time.Second},
		},
		FallbackScan:         true,
		StepCandidateLimit:   50,
		BroadcastTimeout:     2 * time.Minute,
		MarkerGrace:          1 * time.Minute,
		ActivePolicy:         PolicyReject,
		ScanInterval:         5 * time.Second,
		ScanBatch:            100,
		TimerConcurrency:     8,
		TimerLeaseTTL:        30 * time.Second,
		TimerMaxAttempts:     5,
		AcceptLeaseTTL:       5 * time.Second,
		AcceptLeaseTries:     3,
		AcceptMaxAttempts:    3,
		AcceptIdempotencyTTL: 10 * time.Minute,
		CreateIdempotencyTTL: 1 * time.Minute,
		ConnectivityTTL:      60 * time.Second,
		ToggleCooldown:       2 * time.Second,
		ToggleWindow:         5 * time.Minute,
		ToggleWindowMax:      10,
		ToggleLeaseTTL:       5 * time.Second,
		DeliveryBatch:        20,
		SweepSchedule:        "@every 30s",
		SweepBatch:           100,
		OutboxBuffer:         1024,
		OutboxWorkers:        2,
		OutboxMaxAttempts:    5,
		OutboxRate:           500,
		OutboxBurst:          100,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Lifetime is the upper bound on how long any ephemeral state for one
// request must survive.
func (c Config) Lifetime() time.Duration {
	return c.BroadcastTimeout + c.MarkerGrace
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("haul: config: at least one radius step is required")
	}
	for i, s := range c.Steps {
		if s.RadiusKm <= 0 {
			return fmt.Errorf("haul: config: step %d radius must be positive", i)
		}
		if i > 0 && s.RadiusKm <= c.Steps[i-1].RadiusKm {
			return fmt.Errorf("haul: config: step radii must increase (step %d)", i)
		}
	}
	if c.BroadcastTimeout <= 0 {
		return fmt.Errorf("haul: config: broadcast timeout must be positive")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("haul: config: scan interval must be positive")
	}
	if c.TimerLeaseTTL <= c.ScanInterval {
		return fmt.Errorf("haul: config: timer lease TTL must exceed scan interval")
	}
	if c.AcceptMaxAttempts < 1 {
		return fmt.Errorf("haul: config: accept attempts must be at least 1")
	}
	if c.OutboxBuffer < 1 || c.OutboxWorkers < 1 {
		return fmt.Errorf("haul: config: outbox buffer and workers must be positive")
	}
	switch c.ActivePolicy {
	case PolicyReject, PolicyReplace:
	default:
		return fmt.Errorf("haul: config: unknown active policy %q", c.ActivePolicy)
	}
	return nil
}
