//go:build reflexdebug

package worker

import "sync/atomic"

// guardEnter enforces the Worker's single-threaded actor contract under the
// reflexdebug build tag: a concurrent Handle* call panics loudly instead of
// silently serializing behind a mutex, since silent serialization would mask
// a caller bug that the actor model assumes can never happen.
func guardEnter(inFlight *atomic.Bool) func() {
	if !inFlight.CompareAndSwap(false, true) {
		panic(ErrReentrant)
	}
	return func() { inFlight.Store(false) }
}
