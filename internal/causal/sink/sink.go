// Package sink implements the profiler's event-stream output:
// startup, counter_registered, start_round, end_round, and shutdown
// events, written as JSON lines so cmd/causalprof's report verb (and
// any other tooling) can read a session back afterward.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Event is one line of the output stream. Kind identifies which event
// type this is; the remaining fields are populated according to Kind
// and zero otherwise.
type Event struct {
	Kind string `json:"kind"`
	Time int64  `json:"time_unix_ns"`

	SamplePeriodNs int64  `json:"sample_period_ns,omitempty"`
	Name           string `json:"name,omitempty"`
	Line           string `json:"line,omitempty"`

	DelaysInRound int64 `json:"delays_in_round,omitempty"`
	DelaySizeNs   int64 `json:"delay_size_ns,omitempty"`
}

// Sink is the profiler's output sink: an append-only, process-lifetime
// writer owned by GlobalProfilerState and closed exactly once during
// shutdown.
type Sink struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// Open creates (or truncates) path as the destination for the event
// stream. Passing an empty path writes to os.Stderr instead and Close
// becomes a no-op, useful for tests and for library callers who don't
// want a file managed on their behalf.
func Open(path string) (*Sink, error) {
	if path == "" {
		return &Sink{w: nopCloser{os.Stderr}}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	return &Sink{w: f}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (s *Sink) emit(e Event) {
	e.Time = time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return // a sink failure is never allowed to perturb the application
	}
	b = append(b, '\n')
	_, _ = s.w.Write(b)
}

// Startup emits the startup(sample_period_ns) event.
func (s *Sink) Startup(samplePeriodNs int64) {
	s.emit(Event{Kind: "startup", SamplePeriodNs: samplePeriodNs})
}

// CounterRegistered emits the counter_registered(name, line?) event.
// line is "" when the name could not be resolved (a warning, not
// carried in the event stream itself — see session.Startup).
func (s *Sink) CounterRegistered(name, line string) {
	s.emit(Event{Kind: "counter_registered", Name: name, Line: line})
}

// StartRound emits the start_round(line) event.
func (s *Sink) StartRound(line string) {
	s.emit(Event{Kind: "start_round", Line: line})
}

// EndRound emits the end_round(delays_in_round, delay_size_ns) event.
func (s *Sink) EndRound(delaysInRound uint64, delaySizeNs int64) {
	s.emit(Event{Kind: "end_round", DelaysInRound: int64(delaysInRound), DelaySizeNs: delaySizeNs})
}

// Shutdown emits the shutdown() event and closes the sink. Safe to
// call more than once; only the first call has any effect (a
// test-and-set flag guards the close).
func (s *Sink) Shutdown() {
	s.emit(Event{Kind: "shutdown"})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.w.Close()
}
