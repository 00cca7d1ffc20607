package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/devit-sh/devit-mcpd/internal/broker"
	"github.com/devit-sh/devit-mcpd/internal/config"
	"github.com/devit-sh/devit-mcpd/internal/policy"
	"github.com/devit-sh/devit-mcpd/internal/protocol"
)

// cmdServe runs the broker's protocol loop over stdio until EOF, a clean
// shutdown signal, or the watchdog trips.
func cmdServe(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: load config: %v\n", err)
		return 64
	}
	if err := applyFlags(cfg, args); err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
		return 64
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	protocol.SetStderr(os.Stderr)

	if cfg.PolicyDump {
		return cmdPolicyDump(cfg)
	}

	srv, err := broker.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: build broker: %v\n", err)
		return 64
	}
	defer srv.Close()

	loop := protocol.NewLoop(srv)

	g, ctx := errgroup.WithContext(ctx)
	exitCode := 0
	g.Go(func() error {
		exitCode = int(loop.Run(ctx, os.Stdin, os.Stdout))
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("broker exited with error", "error", err)
		return 2
	}
	return exitCode
}

// cmdPolicyDump prints the fully-resolved (tool, mode) table for cfg's
// profile and approval overrides as JSON, without starting the protocol
// loop (SPEC_FULL.md §6.2).
func cmdPolicyDump(cfg *config.Config) int {
	pe, err := policy.NewEngine(cfg.Profile, cfg.Approvals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
		return 64
	}
	out, err := json.Marshal(pe.Dump())
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: marshal policy dump: %v\n", err)
		return 2
	}
	fmt.Println(string(out))
	return 0
}

// applyFlags overlays CLI flags onto cfg, the last and highest-precedence
// layer after env vars and the workspace config file. Matches the
// teacher's manual --flag=value prefix-scan rather than a flag.FlagSet,
// since these flags are a flat list with no subcommand-specific parsing.
func applyFlags(cfg *config.Config, args []string) error {
	for _, arg := range args {
		switch {
		case arg == "--yes":
			cfg.Yes = true
		case arg == "--no-audit":
			cfg.NoAudit = true
		case arg == "--policy-dump":
			cfg.PolicyDump = true
		case arg == "--secrets-scan=false":
			cfg.SecretsScan = false
		case arg == "--secrets-scan=true":
			cfg.SecretsScan = true
		}

		if v, ok := stringFlag(arg, "--profile="); ok {
			cfg.Profile = v
		}
		if v, ok := stringFlag(arg, "--sandbox="); ok {
			cfg.SandboxMode = v
		}
		if v, ok := stringFlag(arg, "--net="); ok {
			cfg.Net = v
		}
		if v, ok := stringFlag(arg, "--env-allow="); ok {
			cfg.EnvAllow = splitCSV(v)
		}
		if v, ok := stringFlag(arg, "--redact-placeholder="); ok {
			cfg.RedactPlaceholder = v
		}
		if v, ok := stringFlag(arg, "--child-dump-dir="); ok {
			cfg.ChildDumpDir = v
		}
		if v, ok := stringFlag(arg, "--devit-bin="); ok {
			cfg.DevitBin = v
		}
		if v, ok := stringFlag(arg, "--devit-plugin-bin="); ok {
			cfg.DevitPluginBin = v
		}

		if n, ok, err := intFlag(arg, "--cpu-secs="); ok {
			if err != nil {
				return err
			}
			cfg.CPUSecs = n
		}
		if n, ok, err := intFlag(arg, "--mem-mb="); ok {
			if err != nil {
				return err
			}
			cfg.MemMB = n
		}
		if n, ok, err := intFlag(arg, "--timeout-secs="); ok {
			if err != nil {
				return err
			}
			cfg.TimeoutSecs = n
		}
		if n, ok, err := intFlag(arg, "--max-runtime-secs="); ok {
			if err != nil {
				return err
			}
			cfg.MaxRuntimeSecs = n
		}
		if n, ok, err := intFlag(arg, "--max-calls-per-min="); ok {
			if err != nil {
				return err
			}
			cfg.MaxCallsPerMin = n
		}
		if n, ok, err := intFlag(arg, "--cooldown-ms="); ok {
			if err != nil {
				return err
			}
			cfg.CooldownMS = n
		}
		if n, ok, err := intFlag(arg, "--max-json-kb="); ok {
			if err != nil {
				return err
			}
			cfg.MaxJSONKB = n
		}
	}
	return nil
}

func stringFlag(arg, prefix string) (string, bool) {
	if len(arg) > len(prefix) && arg[:len(prefix)] == prefix {
		return arg[len(prefix):], true
	}
	return "", false
}

func intFlag(arg, prefix string) (int, bool, error) {
	v, ok := stringFlag(arg, prefix)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("invalid value for %s: %q", prefix, v)
	}
	return n, true, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
