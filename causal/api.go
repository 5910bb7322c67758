package causal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/causalprof/internal/causal/session"
	"github.com/kolkov/causalprof/internal/causal/thread"
)

// Config configures a profiling session. See
// internal/causal/session.Config for field documentation; it is
// re-exported here so callers only ever import this package.
type Config = session.Config

var (
	mu      sync.Mutex
	running *session.Controller
)

// Thread is a handle to one goroutine's profiler state: its virtual
// speedup progress (delay_count, excess_delay) and the checkpoint
// operations used to instrument a region where the goroutine blocks on
// something outside the profiled program.
//
// A Thread must not be shared across goroutines; each goroutine that
// participates in the session has its own, obtained either from Start
// (the root) or from a parent Thread's Go call (a child).
type Thread struct {
	ctrl  *session.Controller
	state *thread.State
}

// Start begins a process-wide profiling session and returns a Thread
// handle for the calling goroutine. Only one session may be active at
// a time; calling Start again before Stop returns an error.
func Start(cfg Config) (*Thread, error) {
	mu.Lock()
	defer mu.Unlock()
	if running != nil {
		return nil, fmt.Errorf("causal: a profiling session is already running")
	}

	ctrl, err := session.Startup(cfg)
	if err != nil {
		return nil, err
	}
	running = ctrl
	return &Thread{ctrl: ctrl, state: ctrl.Main()}, nil
}

// Stop ends the active profiling session, emitting the shutdown event
// and (in end-to-end mode) the speedup-fraction/effective-time line to
// standard error. Idempotent: calling Stop when no session is running,
// or calling it more than once, is a safe no-op.
func Stop() {
	mu.Lock()
	ctrl := running
	running = nil
	mu.Unlock()

	if ctrl != nil {
		ctrl.Shutdown()
	}
}

// IsRunning reports whether a profiling session is currently active.
func IsRunning() bool {
	mu.Lock()
	defer mu.Unlock()
	return running != nil
}

// Go spawns fn on a new goroutine that is itself a participant in the
// profiling session: it inherits t's delay_count and excess_delay at
// the moment Go is called, and is guaranteed to pass through the
// session's end-of-sampling bookkeeping when fn returns. Use this in
// place of a bare `go fn()` anywhere the spawned goroutine does
// meaningful CPU work that should be attributed by the profiler.
func (t *Thread) Go(fn func(child *Thread)) {
	t.ctrl.Go(t.state, func(childState *thread.State) {
		fn(&Thread{ctrl: t.ctrl, state: childState})
	})
}

// Snapshot stashes the current global delay count and t's own
// delay_count, ahead of a region where t will block on something
// outside the profiled program.
func (t *Thread) Snapshot() {
	t.ctrl.SnapshotDelays(t.state)
}

// Skip acknowledges delays t did not perform while blocked since the
// last Snapshot, so it is not penalized for lag it could not have
// avoided.
func (t *Thread) Skip() {
	t.ctrl.SkipDelays(t.state)
}

// CatchUp pays off any delay t owes before it signals or releases
// another goroutine, preserving the causal ordering of virtual time.
// Call this immediately before any synchronization operation that
// unblocks another participant.
func (t *Thread) CatchUp() {
	t.ctrl.CatchUp(t.state)
}

// Counter is an ad-hoc progress counter: a unit of application-level
// throughput the harness can compare against virtual speedups, usable
// without pre-registering its name in Config.ProgressNames.
type Counter struct {
	hits atomic.Uint64
}

// NewCounter registers name with the active session's output sink and
// returns a Counter to record hits against it. name is resolved as a
// "file:line" the same way Config.ProgressNames entries are; an
// unresolved name still returns a usable Counter; it only fails to
// produce a line reference in the output stream.
func NewCounter(name string) *Counter {
	mu.Lock()
	ctrl := running
	mu.Unlock()

	if ctrl != nil {
		ctrl.RegisterCounter(name)
	}
	return &Counter{}
}

// Hit records one unit of progress.
func (c *Counter) Hit() {
	c.hits.Add(1)
}

// Value returns the counter's current hit count.
func (c *Counter) Value() uint64 {
	return c.hits.Load()
}
