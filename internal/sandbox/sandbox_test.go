package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoneSandboxRunsEcho(t *testing.T) {
	s := &noneSandbox{}
	res, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/echo", "hi"},
		Net:           NetFull,
		TimeoutSecs:   5,
		AllowDegraded: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
}

func TestNoneSandboxRejectsNetOffWithoutDegraded(t *testing.T) {
	s := &noneSandbox{}
	_, err := s.Run(context.Background(), Request{
		Argv: []string{"/bin/echo", "hi"},
		Net:  NetOff,
	})
	var sErr *Error
	if !errors.As(err, &sErr) || sErr.Tag != "sandbox_unavailable" {
		t.Fatalf("expected sandbox_unavailable, got %v", err)
	}
}

func TestNoneSandboxAllowsNetOffWhenDegraded(t *testing.T) {
	s := &noneSandbox{}
	_, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/echo", "hi"},
		Net:           NetOff,
		TimeoutSecs:   5,
		AllowDegraded: true,
	})
	if err != nil {
		t.Fatalf("expected degraded net=off to be allowed, got %v", err)
	}
}

func TestEnvAllowlistDenial(t *testing.T) {
	s := &noneSandbox{}
	_, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/echo", "hi"},
		Net:           NetFull,
		TimeoutSecs:   5,
		AllowDegraded: true,
		Env:           map[string]string{"SECRET": "x"},
		EnvAllow:      []string{"PATH"},
	})
	var sErr *Error
	if !errors.As(err, &sErr) || sErr.Tag != "secrets_env_denied" {
		t.Fatalf("expected secrets_env_denied, got %v", err)
	}
}

func TestEnvAllowlistPermitsListed(t *testing.T) {
	s := &noneSandbox{}
	_, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/echo", "hi"},
		Net:           NetFull,
		TimeoutSecs:   5,
		AllowDegraded: true,
		Env:           map[string]string{"PATH": "/usr/bin"},
		EnvAllow:      []string{"PATH"},
	})
	if err != nil {
		t.Fatalf("expected allowed env var to pass, got %v", err)
	}
}

func TestTimeoutKillsLongRunningChild(t *testing.T) {
	s := &noneSandbox{}
	start := time.Now()
	_, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/sleep", "30"},
		Net:           NetFull,
		TimeoutSecs:   1,
		AllowDegraded: true,
	})
	elapsed := time.Since(start)
	var sErr *Error
	if !errors.As(err, &sErr) || sErr.Tag != "timeout" {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("expected prompt termination, took %v", elapsed)
	}
}

func TestNonZeroExit(t *testing.T) {
	s := &noneSandbox{}
	_, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/sh", "-c", "exit 7"},
		Net:           NetFull,
		TimeoutSecs:   5,
		AllowDegraded: true,
	})
	var sErr *Error
	if !errors.As(err, &sErr) || sErr.Tag != "non_zero_exit" {
		t.Fatalf("expected non_zero_exit, got %v", err)
	}
	if sErr.Fields["code"] != 7 {
		t.Fatalf("expected code 7, got %v", sErr.Fields["code"])
	}
}

func TestTimeoutSendsSigtermBeforeKill(t *testing.T) {
	s := &noneSandbox{}
	// Traps SIGTERM and writes a marker before exiting on its own; if the
	// child were SIGKILLed outright (no cmd.Cancel override) it would
	// never get the chance to run the trap body.
	script := `trap 'echo caught-term; exit 0' TERM; sleep 30 & wait`
	start := time.Now()
	res, err := s.Run(context.Background(), Request{
		Argv:          []string{"/bin/sh", "-c", script},
		Net:           NetFull,
		TimeoutSecs:   1,
		AllowDegraded: true,
	})
	elapsed := time.Since(start)

	var sErr *Error
	if !errors.As(err, &sErr) || sErr.Tag != "timeout" {
		t.Fatalf("expected timeout (the deadline still tripped), got %v", err)
	}
	if got := string(res.Stdout); got != "caught-term\n" {
		t.Fatalf("expected the child to observe SIGTERM and exit on its own before being killed, stdout=%q", got)
	}
	// If cmd.Cancel still SIGKILLed outright, the trap would never run and
	// waitWithGrace would fall through to its full 500ms grace window
	// before the already-dead process's Wait returns; observing the exit
	// well under that confirms the trap — not the grace timeout — ended it.
	if elapsed > 1*time.Second+300*time.Millisecond {
		t.Fatalf("expected the trapped child to exit promptly, took %v", elapsed)
	}
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(4)
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != len("hello world") {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if !b.Truncated() {
		t.Fatal("expected truncation")
	}
	if len(b.Bytes()) != 4 {
		t.Fatalf("expected 4 retained bytes, got %d", len(b.Bytes()))
	}
}
