package accel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by every entry point of a manager that
	// failed to initialize or was destroyed.
	ErrNotInitialized = errors.New("accel: manager not initialized")

	// ErrCapacityExceeded is the class of every CapacityError.
	ErrCapacityExceeded = errors.New("accel: capacity exceeded")

	// ErrPhaseInProgress is returned when the caller needs the pipeline
	// idle (or a phase finished) and it is not.
	ErrPhaseInProgress = errors.New("accel: phase in progress")

	// ErrInvalidOptions is returned by Create for unusable capacities or a
	// nil device.
	ErrInvalidOptions = errors.New("accel: invalid options")
)

// Resource names used in CapacityError.
const (
	ResourceIdentities = "instance identities"
	ResourcePrimitives = "primitive pool"
	ResourceLights     = "light pool"
	ResourceBLASPool   = "blas pool"
	ResourceStaging    = "staging area"
)

// CapacityError reports that a fixed budget ran out while processing a
// task. The task's own allocations have been rolled back.
type CapacityError struct {
	Resource  string
	Requested uint64
	Available uint64
	Err       error
}

func (e *CapacityError) Error() string {
	msg := fmt.Sprintf("accel: %s exhausted: requested %d, available %d", e.Resource, e.Requested, e.Available)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrCapacityExceeded.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// Unwrap returns the allocator error, if any.
func (e *CapacityError) Unwrap() error { return e.Err }
