// run.go implements the 'causalprof run' command.
package main

import (
	"fmt"
	"os"
	"os/exec"
)

// runCommand execs the named program, forwarding its arguments,
// standard streams, and exit code. The program is expected to call
// causal.Start/causal.Go/causal.Stop itself; causalprof does no source
// instrumentation (see OUT OF SCOPE in the design notes: the
// interposition layer is the profiled program's own responsibility).
func runCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no program specified")
		fmt.Fprintln(os.Stderr, "usage: causalprof run <program> [arguments...]")
		os.Exit(1)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
