package errs

import "github.com/pkg/errors"

var (
	// ErrInvalidTime is returned when a fire time is missing or has no defined timezone.
	ErrInvalidTime = errors.New("invalid fire time")
	// ErrInvalidInput is returned for empty owners or reminder texts.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates an unknown or already resolved notification handle.
	ErrNotFound = errors.New("notification not found")
	// ErrTooLate indicates that a cancellation lost the race against firing.
	ErrTooLate = errors.New("notification is already firing")
	// ErrDeliveryFailure marks a transient delivery failure; the scheduler retries it.
	ErrDeliveryFailure = errors.New("delivery failed")
	// ErrAbandoned marks a notification whose delivery retries are exhausted.
	ErrAbandoned = errors.New("delivery abandoned")
	// ErrSchedulerStopped is returned by scheduler requests after the loop has exited.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)
