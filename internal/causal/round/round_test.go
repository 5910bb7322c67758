package round

import (
	"sync"
	"testing"

	"github.com/kolkov/causalprof/internal/causal/lineinfo"
)

func newTestCoordinator(t *testing.T, minSamples uint64, fixed *lineinfo.Line, fixedDelay int64) (*Coordinator, *[]string) {
	t.Helper()
	var events []string
	c := New(minSamples, 1_000_000, fixed, fixedDelay, 1,
		func(l *lineinfo.Line) { events = append(events, "start:"+l.Name()) },
		func(delays uint64, size int64) { events = append(events, "end") },
	)
	return c, &events
}

func TestStartRoundThenEndRound(t *testing.T) {
	c, events := newTestCoordinator(t, 3, nil, -1)
	m := lineinfo.Build(nil)
	l, err := m.Intern("a.go:1")
	if err != nil {
		t.Fatal(err)
	}

	if c.SelectedLine() != nil {
		t.Fatal("expected no selected line before StartRound")
	}
	got := c.StartRound(l)
	if got != l {
		t.Fatalf("StartRound returned %v, want %v", got, l)
	}
	if c.SelectedLine() != l {
		t.Fatal("SelectedLine mismatch after StartRound")
	}

	c.AccountSample()
	c.AccountSample()
	if c.SelectedLine() == nil {
		t.Fatal("round ended too early")
	}
	c.AccountSample() // 3rd sample ends the round
	if c.SelectedLine() != nil {
		t.Fatal("expected round to end at MinRoundSamples")
	}

	want := []string{"start:a.go:1", "end"}
	if len(*events) != len(want) || (*events)[0] != want[0] || (*events)[1] != want[1] {
		t.Fatalf("events = %v, want %v", *events, want)
	}
}

func TestFixedLineOverridesSampledLine(t *testing.T) {
	m := lineinfo.Build(nil)
	fixed, _ := m.Intern("fixed.go:5")
	other, _ := m.Intern("other.go:9")

	c, _ := newTestCoordinator(t, 10, fixed, 500)
	got := c.StartRound(other)
	if got != fixed {
		t.Fatalf("StartRound with fixed line returned %v, want %v", got, fixed)
	}
	if c.DelaySize() != 500 {
		t.Fatalf("DelaySize = %d, want fixed 500", c.DelaySize())
	}
}

func TestConcurrentStartRoundOnlyOneWinner(t *testing.T) {
	m := lineinfo.Build(nil)
	l, _ := m.Intern("race.go:1")
	c, _ := newTestCoordinator(t, 1000, nil, -1)

	const n = 32
	var wg sync.WaitGroup
	results := make([]*lineinfo.Line, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.StartRound(l)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r != l {
			t.Fatalf("goroutine %d saw selected line %v, want %v", i, r, l)
		}
	}
}

func TestExactlyOneEndRoundUnderConcurrentAccountSample(t *testing.T) {
	m := lineinfo.Build(nil)
	l, _ := m.Intern("end.go:1")

	var endCount int
	var mu sync.Mutex
	c := New(100, 1_000_000, nil, -1, 1,
		nil,
		func(uint64, int64) {
			mu.Lock()
			endCount++
			mu.Unlock()
		},
	)
	c.StartRound(l)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AccountSample()
		}()
	}
	wg.Wait()

	if endCount != 1 {
		t.Fatalf("end_round fired %d times, want exactly 1", endCount)
	}
}

func TestDelaySizeIsDiscretizedFractionOfSamplePeriod(t *testing.T) {
	c, _ := newTestCoordinator(t, 5, nil, -1)
	m := lineinfo.Build(nil)
	l, _ := m.Intern("d.go:1")
	c.StartRound(l)

	size := c.DelaySize()
	if size < 0 || size > c.samplePeriod {
		t.Fatalf("delay size %d out of range [0, %d]", size, c.samplePeriod)
	}
	if (size*SpeedupDivisions)%c.samplePeriod != 0 {
		t.Fatalf("delay size %d is not a multiple of samplePeriod/%d", size, SpeedupDivisions)
	}
}
