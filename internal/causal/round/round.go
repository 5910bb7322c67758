// Package round implements the process-wide atomic round coordination
// for the profiler's global state: which line is currently virtually
// sped up, how large the delay is, and when the current round ends.
//
// selected_line is stored as a tagged slot index into a line table
// rather than a pointer, avoiding any reference-counting interaction
// with the atomic CAS.
package round

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/kolkov/causalprof/internal/causal/lineinfo"
)

const noLine = ^uint64(0) // sentinel: "selected_line == nil"

const (
	// SpeedupDivisions is the granularity of random delay-size
	// selection: delay ∈ {0, 1/N, ..., 1} × SamplePeriod.
	SpeedupDivisions = 20
)

// Coordinator holds the profiler's global atomics and implements the
// start-round/end-round transitions.
type Coordinator struct {
	slot             atomic.Uint64 // tagged Line-table index, or noLine
	delaySize        atomic.Int64  // ns per delay; meaningless while slot==noLine
	globalDelays     atomic.Uint64
	roundSamples     atomic.Uint64
	roundStartDelays atomic.Uint64

	minRoundSamples uint64
	samplePeriod    int64

	// fixedLine/fixedDelaySize are startup configuration, never
	// mutated after New.
	fixedLine      *lineinfo.Line
	fixedDelaySize int64 // -1 means unset

	table   []*lineinfo.Line // index -> Line, append-only
	tableIx map[*lineinfo.Line]uint64
	tableMu sync.RWMutex

	rng *rand.Rand

	onStartRound func(l *lineinfo.Line)
	onEndRound   func(delaysInRound uint64, delaySize int64)
}

// New creates a Coordinator. fixedLine may be nil; fixedDelaySize is
// -1 ("unset") unless the caller resolved a valid 0..100 fixed_speedup.
func New(minRoundSamples uint64, samplePeriodNs int64, fixedLine *lineinfo.Line, fixedDelaySize int64, seed int64, onStartRound func(*lineinfo.Line), onEndRound func(uint64, int64)) *Coordinator {
	c := &Coordinator{
		minRoundSamples: minRoundSamples,
		samplePeriod:    samplePeriodNs,
		fixedLine:       fixedLine,
		fixedDelaySize:  fixedDelaySize,
		tableIx:         make(map[*lineinfo.Line]uint64),
		rng:             rand.New(rand.NewSource(seed)),
		onStartRound:    onStartRound,
		onEndRound:      onEndRound,
	}
	c.slot.Store(noLine)
	return c
}

func (c *Coordinator) index(l *lineinfo.Line) uint64 {
	c.tableMu.RLock()
	ix, ok := c.tableIx[l]
	c.tableMu.RUnlock()
	if ok {
		return ix
	}

	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	if ix, ok := c.tableIx[l]; ok {
		return ix
	}
	ix = uint64(len(c.table))
	c.table = append(c.table, l)
	c.tableIx[l] = ix
	return ix
}

func (c *Coordinator) lineAt(ix uint64) *lineinfo.Line {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()
	return c.table[ix]
}

// SelectedLine returns the Line currently being virtually sped up, or
// nil between rounds.
func (c *Coordinator) SelectedLine() *lineinfo.Line {
	slot := c.slot.Load()
	if slot == noLine {
		return nil
	}
	return c.lineAt(slot)
}

// DelaySize returns the current round's per-delay nanosecond cost.
// Only meaningful while SelectedLine is non-nil.
func (c *Coordinator) DelaySize() int64 {
	return c.delaySize.Load()
}

// FixedLine returns the line configured to always win line selection,
// or nil if none was configured. Callers that need to know which line
// StartRound will actually substitute (rather than just sample) read
// this before comparing against SelectedLine.
func (c *Coordinator) FixedLine() *lineinfo.Line {
	return c.fixedLine
}

// GlobalDelays returns the monotonic count of virtual delays issued
// over the whole session; it is never reset between rounds.
func (c *Coordinator) GlobalDelays() uint64 {
	return c.globalDelays.Load()
}

// AddGlobalDelays atomically advances the global delay counter (the
// DelayEngine's "contribute" path) and returns the new value.
func (c *Coordinator) AddGlobalDelays(n uint64) uint64 {
	return c.globalDelays.Add(n)
}

// StartRound performs the compound "Start round" transition: CAS
// selected_line nil→L (substituting the configured fixed line first),
// and on success resets round_samples, snapshots round_start_delays,
// and chooses a delay size. It returns the line actually selected,
// which is L on a winning CAS or whichever line another goroutine's
// concurrent CAS already installed.
func (c *Coordinator) StartRound(sampled *lineinfo.Line) *lineinfo.Line {
	L := sampled
	if c.fixedLine != nil {
		L = c.fixedLine
	}
	if L == nil {
		return nil
	}

	ix := c.index(L)
	if !c.slot.CompareAndSwap(noLine, ix) {
		// Lost the race: proceed with whatever line is now selected.
		return c.SelectedLine()
	}

	c.roundSamples.Store(0)
	c.roundStartDelays.Store(c.globalDelays.Load())
	c.delaySize.Store(c.chooseDelaySize())
	if c.onStartRound != nil {
		c.onStartRound(L)
	}
	return L
}

func (c *Coordinator) chooseDelaySize() int64 {
	if c.fixedDelaySize >= 0 {
		return c.fixedDelaySize
	}
	n := c.rng.Intn(SpeedupDivisions + 1)
	return int64(n) * c.samplePeriod / SpeedupDivisions
}

// AccountSample registers one more sample processed globally during
// the current round (fetch_add(round_samples, 1)) and performs the
// "End round" transition exactly once, on whichever goroutine's
// increment lands on minRoundSamples — exactly one goroutine performs
// this transition by virtue of fetch_add returning that sentinel
// value.
func (c *Coordinator) AccountSample() {
	n := c.roundSamples.Add(1)
	if n != c.minRoundSamples {
		return
	}
	delaysInRound := c.globalDelays.Load() - c.roundStartDelays.Load()
	delaySize := c.delaySize.Load()
	if c.onEndRound != nil {
		c.onEndRound(delaysInRound, delaySize)
	}
	c.slot.Store(noLine)
}
