// report.go implements the 'causalprof report' command: a per-line
// summary (round count, average virtual speedup, total delays) of a
// recorded session's JSON-lines output, sorted by line name. Throughput
// is not reported.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kolkov/causalprof/internal/causal/sink"
)

type lineStats struct {
	rounds        int
	totalDelays   uint64
	totalDelaySum int64 // sum of delay_size_ns across rounds, for an average
	counters      []string
}

func reportCommand(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: expected exactly one file argument")
		fmt.Fprintln(os.Stderr, "usage: causalprof report <events.jsonl>")
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	stats := make(map[string]*lineStats)
	counterLines := make(map[string][]string) // counter name -> resolved lines

	var samplePeriodNs int64
	var openLine string
	var rounds, shutdowns int

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		var e sink.Event
		if err := json.Unmarshal(scan.Bytes(), &e); err != nil {
			continue // corrupt line: skip it and keep summarizing the rest
		}

		switch e.Kind {
		case "startup":
			samplePeriodNs = e.SamplePeriodNs
		case "counter_registered":
			counterLines[e.Name] = append(counterLines[e.Name], e.Line)
		case "start_round":
			openLine = e.Line
			rounds++
		case "end_round":
			if openLine == "" {
				continue
			}
			s := stats[openLine]
			if s == nil {
				s = &lineStats{}
				stats[openLine] = s
			}
			s.rounds++
			s.totalDelays += uint64(e.DelaysInRound)
			s.totalDelaySum += e.DelaySizeNs
			openLine = ""
		case "shutdown":
			shutdowns++
		}
	}
	if err := scan.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", args[0], err)
		os.Exit(1)
	}

	fmt.Printf("sample period: %d ns\n", samplePeriodNs)
	fmt.Printf("rounds: %d  shutdowns: %d\n\n", rounds, shutdowns)

	lines := make([]string, 0, len(stats))
	for l := range stats {
		lines = append(lines, l)
	}
	sort.Strings(lines)

	fmt.Println("line\trounds\tavg_speedup%\ttotal_delays")
	for _, l := range lines {
		s := stats[l]
		var avgSpeedup float64
		if samplePeriodNs > 0 && s.rounds > 0 {
			avgSpeedup = 100 * float64(s.totalDelaySum) / float64(s.rounds) / float64(samplePeriodNs)
		}
		fmt.Printf("%s\t%d\t%.1f\t%d\n", l, s.rounds, avgSpeedup, s.totalDelays)
	}

	if len(counterLines) > 0 {
		fmt.Println("\nprogress counters:")
		for name, resolved := range counterLines {
			fmt.Printf("  %s -> %v\n", name, resolved)
		}
	}
}
