package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run())
}

// run parses the subcommand from os.Args and dispatches, returning the
// process exit code directly rather than an error: the three exit codes
// this broker defines (0 clean, 2 fatal/watchdog, 64 bad usage) don't map
// cleanly onto a single error value.
func run() int {
	subcmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(args)
	case "verify":
		return cmdVerify(args)
	default:
		fmt.Fprintf(os.Stderr, "devit-mcpd: unknown command: %s\nUsage: devit-mcpd [serve|verify]\n", subcmd)
		return 64
	}
}
