package haul

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore          = errors.New("haul: no store configured")
	ErrStoreUnavailable = errors.New("haul: store unavailable")
	ErrMigrationFailed  = errors.New("haul: migration failed")

	// Validation errors.
	ErrValidation = errors.New("haul: validation failed")

	// Not found errors.
	ErrRequestNotFound    = errors.New("haul: broadcast request not found")
	ErrDemandUnitNotFound = errors.New("haul: demand unit not found")
	ErrAssignmentNotFound = errors.New("haul: assignment not found")
	ErrTimerNotFound      = errors.New("haul: timer not found")
	ErrSummaryNotFound    = errors.New("haul: summary not found")

	// Conflict errors. Conflicts reach callers wrapped in *ConflictError,
	// which carries the request's current state.
	ErrConflict        = errors.New("haul: conflict")
	ErrDemandUnitTaken = errors.New("haul: demand unit already taken")
	ErrRequestClosed   = errors.New("haul: broadcast request no longer open")
	ErrActiveBroadcast = errors.New("haul: customer already has an active broadcast")
	ErrDriverBusy      = errors.New("haul: driver already has an active assignment")

	// Transient errors.
	ErrRateLimited          = errors.New("haul: rate limited")
	ErrLockContention       = errors.New("haul: lock contention")
	ErrToggleInProgress     = fmt.Errorf("%w: presence toggle in progress", ErrLockContention)
	ErrSerializationFailure = errors.New("haul: serialization failure")
)

// ConflictError reports that an action lost a race against another actor.
// State is the authoritative state of the request after the race so callers
// can reconcile instead of retrying blindly.
type ConflictError struct {
	Reason    error
	RequestID string
	State     string
}

// Conflict builds a *ConflictError.
func Conflict(reason error, requestID, state string) error {
	return &ConflictError{Reason: reason, RequestID: requestID, State: state}
}

func (e *ConflictError) Error() string {
	if e.State == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s (request %s is %s)", e.Reason.Error(), e.RequestID, e.State)
}

// Unwrap returns the specific conflict reason.
func (e *ConflictError) Unwrap() error { return e.Reason }

// Is makes every *ConflictError match ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ValidationError reports malformed input. It is returned before any side
// effect takes place.
type ValidationError struct {
	Field   string
	Message string
}

// Invalid builds a *ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "haul: invalid input: " + e.Message
	}
	return "haul: invalid " + e.Field + ": " + e.Message
}

// Is makes every *ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrDemandUnitNotFound) ||
		errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrTimerNotFound) ||
		errors.Is(err, ErrSummaryNotFound)
}

// IsTransient reports whether the caller may retry the same call without
// changing anything.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockContention) || errors.Is(err, ErrStoreUnavailable)
}

// IsDomain reports whether err is an expected outcome of the matching
// protocol rather than an infrastructure failure.
func IsDomain(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrLockContention) ||
		IsNotFound(err)
}
