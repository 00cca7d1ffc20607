//go:build linux

package sandbox

import "fmt"

// rlimitSupported reports that CPU/memory enforcement is available on
// this platform.
func rlimitSupported() bool { return true }

// wrapWithRlimits prefixes argv with a shell invocation that applies
// ulimit before exec'ing the real command, avoiding a cgo dependency on
// syscall.Setrlimit plumbing through exec.Cmd. Grounded on the teacher's
// platform-split convention (cmd/mcplexer/launchd_darwin.go /
// launchd_other.go), generalized from "optional launchd integration" to
// "optional resource enforcement".
func wrapWithRlimits(argv []string, cpuSecs, memMB int) []string {
	script := ""
	if cpuSecs > 0 {
		script += fmt.Sprintf("ulimit -t %d; ", cpuSecs)
	}
	if memMB > 0 {
		script += fmt.Sprintf("ulimit -v %d; ", memMB*1024)
	}
	script += `exec "$@"`
	return append([]string{"/bin/sh", "-c", script, "sh"}, argv...)
}
