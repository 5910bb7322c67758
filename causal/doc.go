// Package causal provides the public API for embedding a causal
// profiling session in a Go program.
//
// Causal profiling experimentally estimates, for each source line, how
// much a hypothetical speedup of that line would improve end-to-end
// throughput — by repeatedly picking a candidate line and applying a
// *virtual* speedup to it (slowing every other thread down instead of
// actually making the chosen line faster) and watching how user-defined
// progress points respond.
//
// # Quick Start
//
//	func main() {
//		session, err := causal.Start(causal.Config{
//			OutputFile:    "causal.jsonl",
//			ProgressNames: []string{"main.go:42"},
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer causal.Stop()
//
//		session.Go(func(child *causal.Thread) {
//			// work done on another goroutine remains part of the
//			// same profiling session; child inherits this
//			// goroutine's virtual-delay state at spawn time.
//		})
//	}
//
// # Progress counters
//
// Counters registered at startup via Config.ProgressNames, or later
// with NewCounter, mark units of application-level progress
// independent of wall-clock time — the throughput signal causal
// profiling experiments are measured against.
//
// # Blocking regions
//
// A goroutine that blocks waiting on an external event (a channel
// receive from outside the profiled program, a network read, and so
// on) should bracket the wait with Snapshot/Skip so the time spent
// waiting is not charged against it as profiler-induced lag, and call
// CatchUp before signalling another goroutine so virtual time stays
// causally ordered.
package causal
