// Package main implements the causalprof CLI.
//
// causalprof is a thin driver around the causal profiling library
// (github.com/kolkov/causalprof/causal): it executes an
// already-instrumented program (one that calls causal.Start/causal.Go
// itself) and forwards its exit code, and it can summarize a profiling
// session's JSON-lines output after the fact.
//
// Usage:
//
//	causalprof run ./myprogram arg1 arg2   # exec a program, forward stdio/exit code
//	causalprof report events.jsonl          # summarize a session's output
//	causalprof version
//	causalprof help
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCommand(os.Args[2:])
	case "report":
		reportCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("causalprof version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`causalprof - causal profiling runtime and session tools

USAGE:
    causalprof <command> [arguments]

COMMANDS:
    run        Run a program that uses the causal package, forwarding its exit code
    report     Summarize a causal profiling session's JSON-lines output
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Run an instrumented program
    causalprof run ./myprogram --flag=value

    # Summarize a session's recorded rounds
    causalprof report causal.jsonl

ABOUT:
    causalprof drives sessions created with github.com/kolkov/causalprof/causal:
    the profiled program calls causal.Start at startup, causal.Go in place of
    `+"`go fn()`"+` for goroutines it wants attributed, and causal.Stop before exit.
    This tool does not instrument source; that wiring lives in the profiled
    program itself.

FOR MORE INFORMATION:
    Repository: https://github.com/kolkov/causalprof
`)
}
