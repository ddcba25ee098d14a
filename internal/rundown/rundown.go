// Package rundown implements reference-counted teardown protection: a
// device has two states, active (new references allowed) and
// rundown-initiated (new references refused, existing ones drain to
// zero).
package rundown

import "sync/atomic"

// Guard is the per-device rundown counter. Create one with NewGuard: the
// zero value has no drain channel, so it cannot signal or wait for
// rundown completion.
type Guard struct {
	// state packs the rundown flag into bit 0 and the reference count into
	// the remaining bits, so Acquire/Release can check-and-increment (or
	// decrement-and-check) atomically in a single CAS loop.
	state   atomic.Uint64
	drained chan struct{}
	once    atomic.Bool
}

const rundownBit = uint64(1)

// NewGuard returns an active guard with zero references.
func NewGuard() *Guard {
	return &Guard{drained: make(chan struct{})}
}

// Acquire takes a reference if the guard is still active. It returns false
// once rundown has been initiated; the caller must not proceed to use the
// protected resource in that case.
func (g *Guard) Acquire() bool {
	for {
		old := g.state.Load()
		if old&rundownBit != 0 {
			return false
		}
		next := old + 2 // bit 0 is the rundown flag; count lives above it
		if g.state.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Release drops a reference. If rundown has been initiated and this was
// the last reference, the rundown-complete signal fires.
func (g *Guard) Release() {
	for {
		old := g.state.Load()
		next := old - 2
		if g.state.CompareAndSwap(old, next) {
			if next&rundownBit != 0 && next>>1 == 0 {
				g.signalDrained()
			}
			return
		}
	}
}

// InitiateRundown latches the rundown flag, refusing all future Acquire
// calls. Safe to call more than once; only the first call has effect.
func (g *Guard) InitiateRundown() {
	for {
		old := g.state.Load()
		if old&rundownBit != 0 {
			return
		}
		next := old | rundownBit
		if g.state.CompareAndSwap(old, next) {
			if next>>1 == 0 {
				g.signalDrained()
			}
			return
		}
	}
}

func (g *Guard) signalDrained() {
	if g.once.CompareAndSwap(false, true) {
		close(g.drained)
	}
}

// WaitForRundown blocks until the reference count reaches zero after
// rundown has been initiated. Call it at most once per device; callers
// that need to observe completion from multiple goroutines should share
// the result of a single WaitForRundown call.
func (g *Guard) WaitForRundown() {
	<-g.drained
}

// Active reports whether the guard has not yet had rundown initiated.
func (g *Guard) Active() bool {
	return g.state.Load()&rundownBit == 0
}

// RefCount returns the current outstanding reference count, for tests and
// diagnostics.
func (g *Guard) RefCount() uint64 {
	return g.state.Load() >> 1
}
