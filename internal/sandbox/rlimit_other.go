//go:build !linux

package sandbox

// rlimitSupported reports that this platform has no rlimit enforcement
// path wired up; callers that asked for cpu_secs/mem_mb get
// rlimit_set_failed instead of silently running unconstrained.
func rlimitSupported() bool { return false }

// wrapWithRlimits is unreachable when rlimitSupported is false; kept for
// interface symmetry with rlimit_linux.go.
func wrapWithRlimits(argv []string, _, _ int) []string { return argv }
