package sandbox

import (
	"context"
	"os/exec"
)

// bwrapSandbox isolates the child with bubblewrap: a fresh mount/PID/UTS
// namespace and, when net=off, an unshared network namespace with no
// interfaces (so the child has no route to anything).
type bwrapSandbox struct{}

func (s *bwrapSandbox) Name() string { return "bwrap" }

func (s *bwrapSandbox) Run(ctx context.Context, req Request) (*Result, error) {
	if _, err := exec.LookPath("bwrap"); err != nil {
		if req.AllowDegraded {
			return (&noneSandbox{}).Run(ctx, req)
		}
		return nil, tagErr("sandbox_unavailable", map[string]interface{}{"mode": "bwrap", "reason": "bwrap not found"})
	}

	env, err := filterEnv(req.EnvAllow, req.Env)
	if err != nil {
		return nil, err
	}

	argv := maybeWrapWithRlimits(req.Argv, req.CPUSecs, req.MemMB)
	if argv == nil {
		return nil, tagErr("rlimit_set_failed", map[string]interface{}{"cpu_secs": req.CPUSecs, "mem_mb": req.MemMB})
	}

	bwrapArgv := buildBwrapArgv(req, argv)
	return runProcess(ctx, bwrapArgv, env, req)
}

// buildBwrapArgv wraps argv in a bwrap(1) invocation. The flags chosen
// bind the essential read-only filesystem, isolate PID/UTS namespaces
// unconditionally, and additionally unshare the network namespace when
// req.Net is NetOff.
func buildBwrapArgv(req Request, argv []string) []string {
	bwrap := []string{
		"bwrap",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-pid",
		"--unshare-uts",
		"--die-with-parent",
	}
	if req.Cwd != "" {
		bwrap = append(bwrap, "--bind", req.Cwd, req.Cwd, "--chdir", req.Cwd)
	}
	if req.Net == NetOff {
		bwrap = append(bwrap, "--unshare-net")
	}
	bwrap = append(bwrap, "--")
	return append(bwrap, argv...)
}
