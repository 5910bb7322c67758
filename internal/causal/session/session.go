// Package session implements process startup/shutdown, thread-
// creation interposition, and the snapshot/skip/catch-up checkpoint
// API, wiring together lineinfo, round, delay, sample, perf, sink, and
// crash into one profiling session.
package session

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/mod/modfile"

	"github.com/kolkov/causalprof/internal/causal/crash"
	"github.com/kolkov/causalprof/internal/causal/delay"
	"github.com/kolkov/causalprof/internal/causal/lineinfo"
	"github.com/kolkov/causalprof/internal/causal/perf"
	"github.com/kolkov/causalprof/internal/causal/round"
	"github.com/kolkov/causalprof/internal/causal/sample"
	"github.com/kolkov/causalprof/internal/causal/sink"
	"github.com/kolkov/causalprof/internal/causal/thread"
)

const (
	SamplePeriod      = 1_000_000 // ns: 1ms between samples
	SampleWakeupCount = 10        // samples per timer fire
	MinRoundSamples   = 200       // samples needed to end a round
)

// Config is the parameter list for starting a profiling session.
type Config struct {
	OutputFile    string
	ProgressNames []string // each "file:line"
	Scope         []string // directory prefixes; empty defaults to the current working directory
	FixedLineName string   // may be empty
	FixedSpeedup  int      // outside [0,100] means unset
}

// Controller is the profiler's global state plus its session-lifecycle
// operations.
type Controller struct {
	lines *lineinfo.Map
	coord *round.Coordinator
	eng   *delay.Engine
	proc  *sample.Processor
	out   *sink.Sink
	crash *crash.Handler

	samplePeriod int64

	startTime time.Time

	shutdownOnce sync.Once

	fixedLine      *lineinfo.Line
	fixedDelaySize int64

	mainState *thread.State
	mainPerf  *perf.Sampler
}

// Startup begins a profiling session from cfg: installs signal
// handlers, builds the address map, resolves the fixed line and
// progress counters, opens the output sink, and calls begin_sampling
// on the calling (main) thread.
func Startup(cfg Config) (*Controller, error) {
	c := &Controller{samplePeriod: SamplePeriod}

	c.crash = crash.Install()

	scope := cfg.Scope
	if len(scope) == 0 {
		scope = defaultScope()
	}
	c.lines = lineinfo.Build(scope)

	c.fixedDelaySize = -1
	c.resolveFixedLine(cfg.FixedLineName)
	if cfg.FixedSpeedup >= 0 && cfg.FixedSpeedup <= 100 {
		c.fixedDelaySize = c.samplePeriod * int64(cfg.FixedSpeedup) / 100
	}

	out, err := sink.Open(cfg.OutputFile)
	if err != nil {
		return nil, err
	}
	c.out = out

	c.coord = round.New(MinRoundSamples, c.samplePeriod, c.fixedLine, c.fixedDelaySize, time.Now().UnixNano(),
		func(l *lineinfo.Line) { c.out.StartRound(l.Name()) },
		func(delays uint64, size int64) { c.out.EndRound(delays, size) },
	)
	c.eng = delay.New(c.coord, nil)
	c.proc = sample.New(c.lines, c.coord, c.eng)

	c.registerProgressNames(cfg.ProgressNames)

	c.startTime = time.Now()
	c.out.Startup(c.samplePeriod)

	st, err := c.beginSampling()
	if err != nil {
		return nil, err
	}
	c.mainState = st

	return c, nil
}

// resolveFixedLine interns name (a "file:line" string) as the
// configured fixed line, unlike the address map's usual FindLineByPC
// path: at startup nothing has been sampled yet, so Intern is what
// actually registers the line rather than reporting it as unresolved.
// A no-op if name is empty.
func (c *Controller) resolveFixedLine(name string) {
	if name == "" {
		return
	}
	l, err := c.lines.Intern(name)
	if err != nil {
		warn("fixed line %q: %v", name, err)
		return
	}
	c.fixedLine = l
}

// registerProgressNames interns each configured progress-counter name
// and announces it to the output sink, for the same reason
// resolveFixedLine uses Intern rather than FindLineByName: these names
// are resolved before any sample has landed.
func (c *Controller) registerProgressNames(names []string) {
	for _, name := range names {
		l, err := c.lines.Intern(name)
		if err != nil {
			warn("progress counter %q: %v", name, err)
			continue
		}
		c.out.CounterRegistered(name, l.Name())
	}
}

// defaultScope defaults an empty scope to the current working
// directory. If that directory holds a go.mod, its module path is
// parsed via golang.org/x/mod/modfile and logged; parent directories
// are not searched, and the scope stays the working directory either
// way. A go.mod parse failure or absence is not an error.
func defaultScope() []string {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	if data, err := os.ReadFile(cwd + "/go.mod"); err == nil {
		if mf, err := modfile.Parse("go.mod", data, nil); err == nil && mf.Module != nil {
			warn("profiling module %q rooted at %s", mf.Module.Mod.Path, cwd)
		}
	}
	return []string{cwd}
}

// beginSampling allocates and configures this thread's PerfSampler
// and process_timer.
func (c *Controller) beginSampling() (*thread.State, error) {
	return c.beginSamplingFor(0, 0)
}

func (c *Controller) beginSamplingFor(parentDelayCount, parentExcessDelay uint64) (*thread.State, error) {
	runtime.LockOSThread()

	st := thread.New(parentDelayCount, parentExcessDelay)

	sampler, err := perf.Open(perf.Config{
		SamplePeriod: c.samplePeriod,
		WakeupCount:  SampleWakeupCount,
	})
	if err != nil {
		// A kernel sampler failure on setup is fatal for that thread
		// only; the session continues for others.
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("session: begin_sampling: %w", err)
	}
	st.Sampler = sampler

	sampler.Start()
	sampler.StartTimer(time.Duration(c.samplePeriod)*time.Duration(SampleWakeupCount), func() {
		c.proc.OnSignal(st, sampler)
	})

	return st, nil
}

// endSampling drains buffered samples, runs the DelayEngine, and
// releases the thread's PerfSampler.
func (c *Controller) endSampling(st *thread.State) {
	sampler, ok := st.Sampler.(*perf.Sampler)
	if !ok || sampler == nil {
		return
	}
	c.proc.Flush(st, sampler)
	_ = sampler.Close()
	runtime.UnlockOSThread()
}

// Go implements thread-creation interposition: it captures the
// calling goroutine's delay state, spawns fn on a new goroutine that
// inherits that state, runs begin_sampling/end_sampling around fn,
// and always passes through end_sampling on exit — including on
// panic, since a goroutine terminated via thread-exit always passes
// through end_sampling().
func (c *Controller) Go(parent *thread.State, fn func(child *thread.State)) {
	var parentDelayCount, parentExcessDelay uint64
	if parent != nil {
		release := parent.Latch.AcquireThread()
		parentDelayCount = parent.DelayCount
		parentExcessDelay = parent.ExcessDelay
		release()
	}

	go func() {
		st, err := c.beginSamplingFor(parentDelayCount, parentExcessDelay)
		if err != nil {
			// This goroutine produces no samples, but it must still
			// run fn.
			fn(thread.New(parentDelayCount, parentExcessDelay))
			return
		}
		defer c.endSampling(st)
		fn(st)
	}()
}

// SnapshotDelays stashes global_delays and delay_count into state
// ahead of a blocking region.
func (c *Controller) SnapshotDelays(state *thread.State) {
	release := state.Latch.AcquireThread()
	defer release()
	state.GlobalDelaySnapshot = c.coord.GlobalDelays()
	state.LocalDelaySnapshot = state.DelayCount
}

// SkipDelays lets the thread acknowledge delays it did not perform
// while blocked, restoring the round-trip property
// `delay_count == local_snapshot + (global_delays_now - global_snapshot)`.
func (c *Controller) SkipDelays(state *thread.State) {
	release := state.Latch.AcquireThread()
	defer release()
	state.DelayCount = state.LocalDelaySnapshot + (c.coord.GlobalDelays() - state.GlobalDelaySnapshot)
}

// CatchUp invokes the DelayEngine immediately so any lag is paid
// before unblocking another thread, preserving causal ordering of
// virtual time.
func (c *Controller) CatchUp(state *thread.State) {
	release := state.Latch.AcquireThread()
	defer release()
	c.eng.Reconcile(state)
}

// Shutdown is idempotent via test-and-set (sync.Once): it finalizes
// the calling (main) thread's sampling, emits the shutdown event,
// closes the output sink, stops the crash handler, and — in
// end-to-end mode (both fixed_line and fixed_delay_size configured) —
// prints a speedup-fraction / effective-time line to stderr.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.mainState != nil {
			c.endSampling(c.mainState)
		}
		c.out.Shutdown()
		if c.crash != nil {
			c.crash.Stop()
		}

		if c.fixedLine != nil && c.fixedDelaySize >= 0 {
			elapsed := time.Since(c.startTime)
			effective := elapsed.Nanoseconds() - int64(c.coord.GlobalDelays())*c.fixedDelaySize
			fraction := float64(c.fixedDelaySize) / float64(c.samplePeriod)
			fmt.Fprintf(os.Stderr, "%g\t%d\n", fraction, effective)
		}
	})
}

// Main returns the ThreadState created for the calling goroutine during
// Startup, for callers that need to pass it to SnapshotDelays,
// SkipDelays, CatchUp, or as the parent of a Go call.
func (c *Controller) Main() *thread.State {
	return c.mainState
}

// RegisterCounter resolves name ("file:line") against the session's
// AddressMap and notifies the output sink of a new progress counter,
// for counters registered after Startup via causal.NewCounter, as
// opposed to Config.ProgressNames's registered-at-startup counters.
func (c *Controller) RegisterCounter(name string) {
	line := ""
	if l, err := c.lines.Intern(name); err != nil {
		warn("progress counter %q: %v", name, err)
	} else {
		line = l.Name()
	}
	c.out.CounterRegistered(name, line)
}

func warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "causalprof: "+format+"\n", args...)
}
