package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kolkov/causalprof/internal/causal/delay"
	"github.com/kolkov/causalprof/internal/causal/lineinfo"
	"github.com/kolkov/causalprof/internal/causal/round"
	"github.com/kolkov/causalprof/internal/causal/sink"
	"github.com/kolkov/causalprof/internal/causal/thread"
)

func readEvents(t *testing.T, path string) []sink.Event {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []sink.Event
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var e sink.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

// newTestController builds a Controller whose delay pipeline is real
// but whose thread lifecycle (beginSampling/endSampling, which touch
// perf_event_open) is bypassed, so SnapshotDelays/SkipDelays/CatchUp/
// Shutdown can be exercised without kernel counter access.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	lines := lineinfo.Build(nil)
	out, err := sink.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	coord := round.New(10, SamplePeriod, nil, -1, 1, nil, nil)
	return &Controller{
		lines:          lines,
		coord:          coord,
		eng:            delay.New(coord, nil),
		out:            out,
		samplePeriod:   SamplePeriod,
		fixedDelaySize: -1,
		startTime:      time.Now(),
	}
}

func TestSnapshotThenSkipDelaysRoundTrip(t *testing.T) {
	c := newTestController(t)
	st := thread.New(0, 0)
	st.DelayCount = 5

	c.coord.AddGlobalDelays(3)
	c.SnapshotDelays(st)

	c.coord.AddGlobalDelays(4) // delays accrued while this thread was blocked
	c.SkipDelays(st)

	want := st.LocalDelaySnapshot + (c.coord.GlobalDelays() - st.GlobalDelaySnapshot)
	if st.DelayCount != want {
		t.Fatalf("DelayCount = %d, want %d", st.DelayCount, want)
	}
}

func TestCatchUpReconcilesAgainstGlobalDelays(t *testing.T) {
	c := newTestController(t)
	st := thread.New(0, 0)

	c.coord.AddGlobalDelays(7)
	c.CatchUp(st) // delay_count(0) < global_delays(7): either a pause or delay_count==7 afterward

	if st.DelayCount != c.coord.GlobalDelays() {
		t.Fatalf("DelayCount = %d, want %d after CatchUp", st.DelayCount, c.coord.GlobalDelays())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestController(t)
	c.crash = nil // avoid installing real OS signal handlers in a test
	c.Shutdown()
	c.Shutdown()
	c.Shutdown()
}

func TestShutdownEndToEndModePrintsNothingWhenNotConfigured(t *testing.T) {
	c := newTestController(t)
	c.crash = nil
	// fixedLine is nil, fixedDelaySize is -1: the end-to-end stderr
	// line must not be attempted. Shutdown must simply return.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStderr := os.Stderr
	os.Stderr = w
	c.Shutdown()
	os.Stderr = oldStderr
	w.Close()
	printed, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(printed) != 0 {
		t.Fatalf("Shutdown printed %q to stderr without end-to-end configuration", printed)
	}
}

// TestResolveFixedLineInternsUnsampledName guards against a regression
// where fixed-line resolution used FindLineByName (lookup-only) instead
// of Intern: since this runs before anything has been sampled, only
// Intern can actually register the name.
func TestResolveFixedLineInternsUnsampledName(t *testing.T) {
	c := newTestController(t)

	if c.fixedLine != nil {
		t.Fatal("fixedLine should start nil")
	}
	c.resolveFixedLine("main.go:42")
	if c.fixedLine == nil {
		t.Fatal("resolveFixedLine did not register an unsampled \"file:line\" name")
	}
	if c.fixedLine.Name() != "main.go:42" {
		t.Fatalf("fixedLine.Name() = %q, want %q", c.fixedLine.Name(), "main.go:42")
	}
}

func TestResolveFixedLineEmptyNameIsNoop(t *testing.T) {
	c := newTestController(t)
	c.resolveFixedLine("")
	if c.fixedLine != nil {
		t.Fatal("resolveFixedLine(\"\") must leave fixedLine nil")
	}
}

// TestRegisterProgressNamesEmitsResolvedLines guards against the same
// FindLineByName-vs-Intern regression for progress counters: each
// configured name must resolve and appear in the emitted
// counter_registered event with a non-empty Line.
func TestRegisterProgressNamesEmitsResolvedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	lines := lineinfo.Build(nil)
	out, err := sink.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c := &Controller{lines: lines, out: out}

	c.registerProgressNames([]string{"main.go:42", "worker.go:7"})
	out.Shutdown()

	events := readEvents(t, path)
	var registered []sink.Event
	for _, e := range events {
		if e.Kind == "counter_registered" {
			registered = append(registered, e)
		}
	}
	if len(registered) != 2 {
		t.Fatalf("got %d counter_registered events, want 2: %+v", len(registered), events)
	}
	want := map[string]string{"main.go:42": "main.go:42", "worker.go:7": "worker.go:7"}
	for _, e := range registered {
		if e.Line == "" {
			t.Fatalf("counter_registered(%q) has empty Line; FindLineByName regression", e.Name)
		}
		if e.Line != want[e.Name] {
			t.Fatalf("counter_registered(%q).Line = %q, want %q", e.Name, e.Line, want[e.Name])
		}
	}
}

// TestRegisterCounterInternsUnsampledName covers the post-startup
// causal.NewCounter path, which hit the same FindLineByName bug.
func TestRegisterCounterInternsUnsampledName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	lines := lineinfo.Build(nil)
	out, err := sink.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c := &Controller{lines: lines, out: out}

	c.RegisterCounter("main.go:99")
	out.Shutdown()

	events := readEvents(t, path)
	if len(events) != 2 || events[0].Kind != "counter_registered" || events[1].Kind != "shutdown" {
		t.Fatalf("events = %+v, want one counter_registered event followed by shutdown", events)
	}
	if events[0].Line == "" {
		t.Fatal("RegisterCounter left Line empty for an unsampled but valid name")
	}
}
