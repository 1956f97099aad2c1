package renderq

import (
	"errors"
	"fmt"
)

// Error categories. Every error the core returns to a caller matches exactly
// one of these with errors.Is.
var (
	ErrNotFound           = errors.New("renderq: not found")
	ErrConflict           = errors.New("renderq: conflict")
	ErrForbidden          = errors.New("renderq: forbidden")
	ErrResourceExhausted  = errors.New("renderq: resource exhausted")
	ErrServiceUnavailable = errors.New("renderq: service unavailable")
	ErrTimeout            = errors.New("renderq: timeout")
	ErrInvalidArgument    = errors.New("renderq: invalid argument")
)

var (
	// Store errors.
	ErrNoStore     = errors.New("renderq: no store configured")
	ErrStoreClosed = errors.New("renderq: store closed")

	// Not found errors.
	ErrJobNotFound     = fmt.Errorf("%w: job", ErrNotFound)
	ErrWorkerNotFound  = fmt.Errorf("%w: worker", ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("%w: account", ErrNotFound)

	// Conflict errors.
	ErrJobAlreadyExists  = fmt.Errorf("%w: job already exists", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrConflict)
	ErrWorkerOnline      = fmt.Errorf("%w: worker is online", ErrConflict)
	ErrWorkerMismatch    = fmt.Errorf("%w: job is held by another worker", ErrConflict)

	// Permission errors.
	ErrNotOwner   = fmt.Errorf("%w: not the job owner", ErrForbidden)
	ErrNotAdmin   = fmt.Errorf("%w: admin role required", ErrForbidden)
	ErrBadAPIKey  = fmt.Errorf("%w: invalid worker credentials", ErrForbidden)
	ErrNoIdentity = fmt.Errorf("%w: missing identity", ErrForbidden)

	// Admission errors.
	ErrPendingJob     = fmt.Errorf("%w: user already has a pending job", ErrResourceExhausted)
	ErrQuotaExhausted = fmt.Errorf("%w: daily quota exhausted", ErrResourceExhausted)
	ErrQueueFull      = fmt.Errorf("%w: queue is full", ErrResourceExhausted)
	ErrRateLimited    = fmt.Errorf("%w: rate limited", ErrResourceExhausted)
	ErrNoWorkers      = fmt.Errorf("%w: no online workers", ErrServiceUnavailable)
	ErrNoStorage      = fmt.Errorf("%w: no result storage configured", ErrServiceUnavailable)

	// ErrJobTimedOut is recorded on jobs failed by the reaper. It is never
	// returned to a caller.
	ErrJobTimedOut = fmt.Errorf("%w: job exceeded the running time budget", ErrTimeout)
)

// Category returns the category sentinel err belongs to, or nil if err is
// not one of ours.
func Category(err error) error {
	for _, c := range []error{
		ErrNotFound, ErrConflict, ErrForbidden, ErrResourceExhausted,
		ErrServiceUnavailable, ErrTimeout, ErrInvalidArgument,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
