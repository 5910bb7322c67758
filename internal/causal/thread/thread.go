// Package thread holds per-goroutine profiler bookkeeping and the
// two-mode latch that guards it against the asynchronous sample
// signal.
package thread

import "sync"

// State is the per-goroutine bookkeeping the profiler maintains: the
// calling goroutine's perf sampler handle (opaque to this package),
// its delay accounting, and the checkpoint fields used by
// SnapshotDelays/SkipDelays. A State is owned by exactly one goroutine
// and must only be read or written while that goroutine (or its signal
// handler) holds the Latch — cross-goroutine reads of another State are
// forbidden.
type State struct {
	Latch Latch

	// Sampler is set by the session controller to the goroutine's
	// perf.Sampler; held as an interface{} here to avoid an import
	// cycle (thread is a leaf package consumed by delay, sample, and
	// session, and perf imports sample).
	Sampler any

	// DelayCount is the non-decreasing count of virtual delays this
	// goroutine has either skipped (by sampling inside the selected
	// line) or paid (by sleeping). Only ever written while Latch is
	// held by this goroutine.
	DelayCount uint64

	// ExcessDelay is this goroutine's credit balance of oversleep from
	// a prior pause, consumed by the next required wait.
	ExcessDelay uint64

	// GlobalDelaySnapshot and LocalDelaySnapshot are captured by
	// SnapshotDelays and consumed by SkipDelays.
	GlobalDelaySnapshot uint64
	LocalDelaySnapshot  uint64
}

// New returns a freshly initialized State, optionally inheriting a
// parent goroutine's delay accounting at spawn time. Pass 0, 0 for a
// root (un-parented) goroutine.
func New(parentDelayCount, parentExcessDelay uint64) *State {
	return &State{
		DelayCount:  parentDelayCount,
		ExcessDelay: parentExcessDelay,
	}
}

// Latch is a two-mode mutual-exclusion primitive for a State that is
// read/written both by its owning goroutine and by an asynchronous
// signal handler running on that same OS thread.
//
// Thread mode blocks until acquired, matching an ordinary critical
// section entered from normal code. Signal mode never blocks: if the
// owning goroutine already holds the latch, TryAcquireSignal fails
// immediately and the caller must drop its work (the next timer tick
// will re-deliver the signal; samples already buffered by the kernel
// are not lost). Using an OS mutex's blocking Lock from signal context
// would risk deadlocking the thread against itself, so the signal path
// only ever calls TryLock.
type Latch struct {
	mu sync.Mutex
}

// AcquireThread blocks until the latch is free and returns a release
// function. Used by ordinary (non-signal) callers: Go's own
// implementation, SnapshotDelays, SkipDelays, CatchUp, end_sampling.
func (l *Latch) AcquireThread() (release func()) {
	l.mu.Lock()
	return l.mu.Unlock
}

// TryAcquireSignal attempts to acquire the latch without blocking, for
// use from the sample-signal handler. ok is false if the owning
// goroutine currently holds the latch in thread mode; the caller must
// treat this as a dropped signal and never wait.
func (l *Latch) TryAcquireSignal() (release func(), ok bool) {
	if !l.mu.TryLock() {
		return nil, false
	}
	return l.mu.Unlock, true
}
