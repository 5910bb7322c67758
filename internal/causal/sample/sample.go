// Package sample implements the on-signal sample drain loop that
// attributes samples to lines, drives round transitions, and invokes
// the delay engine.
package sample

import (
	"github.com/kolkov/causalprof/internal/causal/delay"
	"github.com/kolkov/causalprof/internal/causal/lineinfo"
	"github.com/kolkov/causalprof/internal/causal/round"
	"github.com/kolkov/causalprof/internal/causal/thread"
)

// Record is one decoded sample: the instruction pointer and callchain
// captured by the PerfSampler. Metadata records the sampler may also
// emit never reach this package.
type Record struct {
	IP        uintptr
	Callchain []uintptr
}

// Source is the subset of perf.Sampler that the processor needs: drain
// buffered records, and stop/start counting around the drain. Defined
// here (rather than imported from package perf) so sample has no
// dependency on the kernel-facing package, following the general
// pattern of internal packages depending only on the leaf types they
// actually touch.
type Source interface {
	Stop()
	Start()
	Drain() []Record
}

// Processor owns no state of its own beyond references to the shared
// Coordinator, AddressMap, and DelayEngine, and is invoked once per
// goroutine per signal delivery or end_sampling flush.
type Processor struct {
	lines *lineinfo.Map
	coord *round.Coordinator
	eng   *delay.Engine
}

// New returns a Processor wired to the given AddressMap, RoundCoordinator,
// and DelayEngine.
func New(lines *lineinfo.Map, coord *round.Coordinator, eng *delay.Engine) *Processor {
	return &Processor{lines: lines, coord: coord, eng: eng}
}

// Run drains src and processes every buffered sample against state.
// The caller must
// already hold state.Latch in the mode appropriate to the calling
// context (thread mode for a synchronous flush, signal mode for the
// sample-signal handler) — Run itself never touches the latch, since
// signal-mode acquisition can fail and the caller (OnSignal/Flush below)
// is what decides whether to proceed at all.
func (p *Processor) Run(state *thread.State, src Source) {
	src.Stop()
	for _, rec := range src.Drain() {
		p.processOne(state, rec)
	}
	p.eng.Reconcile(state)
	src.Start()
}

func (p *Processor) processOne(state *thread.State, rec Record) {
	L := p.resolve(rec)
	if L != nil {
		L.Samples.Add(1)
	}

	current := p.coord.SelectedLine()
	if current == nil {
		// A configured fixed line always wins line selection, even for
		// a sample that resolved to a different (or no) line; substitute
		// it before the out-of-scope check and the current-line
		// comparison below, mirroring round.Coordinator.StartRound's own
		// substitution, so the round-starting sample counts against it.
		if fixed := p.coord.FixedLine(); fixed != nil {
			L = fixed
		}
		if L == nil {
			// Out of scope and no fixed line configured: this sample
			// cannot start a round.
			return
		}
		current = p.coord.StartRound(L)
		if current == nil {
			return
		}
	}

	if L == current {
		state.DelayCount++
	}
	p.coord.AccountSample()
}

// resolve tries the sample's own instruction pointer, then each
// callchain frame in turn, else treats the sample as out of scope.
func (p *Processor) resolve(rec Record) *lineinfo.Line {
	if l := p.lines.FindLineByPC(rec.IP); l != nil {
		return l
	}
	for _, pc := range rec.Callchain {
		if l := p.lines.FindLineByPC(pc); l != nil {
			return l
		}
	}
	return nil
}

// OnSignal is the sample-signal handler entry point. It attempts to
// acquire state's latch in signal mode; on contention it drops the
// work entirely (the next timer tick re-delivers, and samples already
// buffered by the kernel are not lost).
func (p *Processor) OnSignal(state *thread.State, src Source) {
	release, ok := state.Latch.TryAcquireSignal()
	if !ok {
		return
	}
	defer release()
	p.Run(state, src)
}

// Flush is the synchronous end_sampling entry point. It always
// acquires the latch in blocking thread mode.
func (p *Processor) Flush(state *thread.State, src Source) {
	release := state.Latch.AcquireThread()
	defer release()
	p.Run(state, src)
}
