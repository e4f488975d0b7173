//go:build !reflexdebug

package worker

import "sync/atomic"

// guardEnter is a cheap flag flip in release builds: the single-threaded
// actor contract is the caller's responsibility, and paying for a
// compare-and-swap panic check on every Handle* call is not worth it outside
// reflexdebug builds.
func guardEnter(inFlight *atomic.Bool) func() {
	inFlight.Store(true)
	return func() { inFlight.Store(false) }
}
