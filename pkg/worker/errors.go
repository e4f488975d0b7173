package worker

import "errors"

// Sentinel errors, checked with errors.Is at call sites rather than string
// matching.
var (
	// ErrUninitialized is returned by Handle* when Init has not yet
	// completed successfully.
	ErrUninitialized = errors.New("worker: not initialized")
	// ErrTerminalError is returned by Handle* once the worker has
	// entered the terminal Error state (an Init failure).
	ErrTerminalError = errors.New("worker: in terminal error state")
	// ErrMismatchedCacheKey is returned when a message's CacheKey does
	// not match the cache key the worker was initialized with.
	ErrMismatchedCacheKey = errors.New("worker: message cache key does not match worker cache key")
	// ErrReentrant is the value the reentrancy guard panics with when a
	// Handle* call is made while another is already in flight, violating
	// the single-threaded actor model. Only armed under the reflexdebug
	// build tag; it is never returned as an error.
	ErrReentrant = errors.New("worker: concurrent Handle* call detected")
)

// StaleGc is returned by HandleGc when msg.StateIndex is older than the
// last state index the worker observed. It is not a failure: the caller
// should treat it as a no-op acknowledgement, matching the state-index
// monotonicity invariant.
type StaleGc struct {
	Requested uint64
	Current   uint64
}

func (e *StaleGc) Error() string {
	return "worker: stale gc request"
}
