package sandbox

import "context"

// noneSandbox executes the child directly with no isolation mechanism.
// It rejects net=off unless the caller explicitly opted into degraded
// mode (spec.md §4.4: "when the mechanism is absent and net=off was
// requested, return sandbox_unavailable unless caller opted into
// degraded mode").
type noneSandbox struct{}

func (s *noneSandbox) Name() string { return "none" }

func (s *noneSandbox) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Net == NetOff && !req.AllowDegraded {
		return nil, tagErr("sandbox_unavailable", map[string]interface{}{"mode": "none", "net": "off"})
	}

	env, err := filterEnv(req.EnvAllow, req.Env)
	if err != nil {
		return nil, err
	}

	argv := maybeWrapWithRlimits(req.Argv, req.CPUSecs, req.MemMB)
	if argv == nil {
		return nil, tagErr("rlimit_set_failed", map[string]interface{}{"cpu_secs": req.CPUSecs, "mem_mb": req.MemMB})
	}

	return runProcess(ctx, argv, env, req)
}

// maybeWrapWithRlimits applies rlimit enforcement via the platform hook
// in rlimit_linux.go / rlimit_other.go. Returns nil if the caller asked
// for enforcement the platform cannot provide.
func maybeWrapWithRlimits(argv []string, cpuSecs, memMB int) []string {
	if cpuSecs <= 0 && memMB <= 0 {
		return argv
	}
	if !rlimitSupported() {
		return nil
	}
	return wrapWithRlimits(argv, cpuSecs, memMB)
}
