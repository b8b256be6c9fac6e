package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotFound is returned for a resource unknown to the directory.
	ErrNotFound = errors.New("resource not found")

	// ErrForbidden is returned when the caller pid does not match the recorded holder.
	ErrForbidden = errors.New("caller is not the lock holder")

	// ErrLocked is returned when the envoy did not report within the wait budget,
	// either because another holder has the lock or the primitive gave up.
	ErrLocked = errors.New("resource locked")

	// ErrStale marks a store entry whose holder process no longer exists.
	ErrStale = errors.New("stale lock holder")

	ErrInvalidPID = errors.New("invalid pid")
)
