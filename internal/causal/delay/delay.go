// Package delay implements virtual speedup: given a goroutine's
// delay_count and the process-wide global_delays counter, either
// register the delays this goroutine has already "earned" by sampling
// inside the selected line, or pause the goroutine to pay off the
// delays it has not.
package delay

import (
	"time"

	"github.com/kolkov/causalprof/internal/causal/round"
	"github.com/kolkov/causalprof/internal/causal/thread"
)

// Sleeper abstracts the nanosecond-resolution sleep primitive so tests
// can substitute a fake clock without actually blocking. The real
// implementation (Real) uses time.Sleep and reports elapsed time via
// time.Since. The pause must not be interruptible in a way that loses
// time; Go's time.Sleep already guarantees the goroutine is not woken
// early, so no resume loop is needed the way a POSIX nanosleep(2)
// wrapper would need one for EINTR.
type Sleeper interface {
	Sleep(d time.Duration) (actual time.Duration)
}

// Real is the production Sleeper.
type Real struct{}

// Sleep blocks for approximately d and reports the actual elapsed time,
// which may run over d due to scheduler jitter (the overshoot becomes
// the caller's excess-delay credit).
func (Real) Sleep(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(d)
	return time.Since(start)
}

// Engine reconciles a goroutine's ThreadState against a Coordinator's
// global_delays.
type Engine struct {
	coord   *round.Coordinator
	sleeper Sleeper
}

// New returns an Engine driven by coord. Pass nil for sleeper to use
// the real, wall-clock Sleeper.
func New(coord *round.Coordinator, sleeper Sleeper) *Engine {
	if sleeper == nil {
		sleeper = Real{}
	}
	return &Engine{coord: coord, sleeper: sleeper}
}

// Reconcile brings a goroutine's delay accounting into agreement with
// the shared coordinator:
//
//  1. g = global_delays, d = delay_size.
//  2. If state.delay_count > g: state contributed delays the global
//     counter hasn't accounted for yet; add the difference to
//     global_delays.
//  3. Else if state.delay_count < g: state owes a pause of
//     (g - state.delay_count) * d nanoseconds, paid first from
//     excess_delay credit and then by sleeping; state.delay_count is
//     set to g either way.
//  4. Otherwise: no-op.
//
// Must be called with state's Latch held by the caller (Reconcile
// itself does not acquire it, since both the signal path and the
// thread path call in with the latch already held in the appropriate
// mode).
func (e *Engine) Reconcile(state *thread.State) {
	g := e.coord.GlobalDelays()
	d := e.coord.DelaySize()

	switch {
	case state.DelayCount > g:
		e.coord.AddGlobalDelays(state.DelayCount - g)

	case state.DelayCount < g:
		owed := (g - state.DelayCount) * uint64(d)
		if state.ExcessDelay > owed {
			state.ExcessDelay -= owed
		} else {
			remaining := owed - state.ExcessDelay
			actual := e.sleeper.Sleep(time.Duration(remaining))
			state.ExcessDelay = uint64(actual) - remaining
		}
		state.DelayCount = g

	default:
		// g == state.DelayCount: nothing owed, nothing to contribute.
	}
}
