package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devit-sh/devit-mcpd/internal/sandbox"
)

// ChildError is returned when an external collaborator process fails in a
// way spec.md §4.2 gives a stable tag for.
type ChildError struct {
	Tag      string
	ExitCode int
	Tail     []byte // tail bytes of the child's stdout/stderr, for diagnostics
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("registry: child %s (exit %d)", e.Tag, e.ExitCode)
}

// Dispatcher execs the patch/commit CLI or plugin runner per call, through
// the Sandbox (C3), following the one-JSON-in/one-JSON-out contract of
// spec.md §6. Adapted from the teacher's internal/downstream/instance.go
// pipe+scanner technique, but one-shot: no persistent process, no request
// queue, matching the "at most one outstanding tool.call" concurrency
// model of spec.md §5.
type Dispatcher struct {
	DevitBin       string
	DevitPluginBin string
	TimeoutSecs    int
	ChildDumpDir   string

	Box      sandbox.Sandbox
	EnvAllow []string
	CPUSecs  int
	MemMB    int
	Net      sandbox.Net
}

// CallDevitTool invokes the patch/commit CLI for a single devit.tool_call
// dispatch: `<bin> tool call - --json-only`.
func (d *Dispatcher) CallDevitTool(ctx context.Context, payload any) (json.RawMessage, error) {
	return d.run(ctx, d.DevitBin, []string{"tool", "call", "-", "--json-only"}, payload, "devit.tool_call")
}

// ListDevitTools asks the collaborator CLI for its own tool registry:
// `<bin> tool list --json-only`. devit.tool_list surfaces this rather than
// registry.BuiltinNames, since the broker's built-ins are a different,
// fixed set from whatever tools the external collaborator currently
// exposes.
func (d *Dispatcher) ListDevitTools(ctx context.Context) (json.RawMessage, error) {
	return d.run(ctx, d.DevitBin, []string{"tool", "list", "--json-only"}, nil, "devit.tool_list")
}

// InvokePlugin invokes the plugin runner: `<bin> invoke --id <id>` or
// `<bin> invoke --manifest <path>`.
func (d *Dispatcher) InvokePlugin(ctx context.Context, id, manifest string, payload any) (json.RawMessage, error) {
	args := []string{"invoke"}
	if manifest != "" {
		args = append(args, "--manifest", manifest)
	} else {
		args = append(args, "--id", id)
	}
	return d.run(ctx, d.DevitPluginBin, args, payload, "plugin.invoke")
}

func (d *Dispatcher) run(ctx context.Context, bin string, args []string, payload any, label string) (json.RawMessage, error) {
	stdin, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal child payload: %w", err)
	}

	timeoutSecs := d.TimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}

	envAllow := append(append([]string(nil), d.EnvAllow...), "TIMEOUT_SECS")
	req := sandbox.Request{
		Argv:        append([]string{bin}, args...),
		Stdin:       stdin,
		EnvAllow:    envAllow,
		Env:         map[string]string{"TIMEOUT_SECS": fmt.Sprintf("%d", timeoutSecs)},
		CPUSecs:     d.CPUSecs,
		MemMB:       d.MemMB,
		Net:         d.Net,
		TimeoutSecs: timeoutSecs,
	}

	result, runErr := d.Box.Run(ctx, req)

	if result != nil && d.ChildDumpDir != "" {
		d.dump(label, stdin, result.Stdout, result.Stderr)
	}

	if runErr != nil {
		var serr *sandbox.Error
		if bytesErr, ok := runErr.(*sandbox.Error); ok {
			serr = bytesErr
		}
		if serr != nil {
			switch serr.Tag {
			case "timeout":
				return nil, &ChildError{Tag: "timeout", ExitCode: 124}
			case "non_zero_exit":
				code, _ := serr.Fields["code"].(int)
				tailBytes := []byte(nil)
				if result != nil {
					tailBytes = tail(result.Stderr, 256)
				}
				return nil, &ChildError{Tag: "non_zero_exit", ExitCode: code, Tail: tailBytes}
			default:
				return nil, runErr
			}
		}
		return nil, fmt.Errorf("registry: exec %s: %w", bin, runErr)
	}

	value, ok := lastTopLevelJSONValue(result.Stdout)
	if !ok {
		return nil, &ChildError{Tag: "child_invalid_json", ExitCode: result.ExitCode, Tail: tail(result.Stdout, 256)}
	}
	return value, nil
}

func (d *Dispatcher) dump(label string, stdin, stdout, stderr []byte) {
	dir := filepath.Join(d.ChildDumpDir, label)
	_ = os.MkdirAll(dir, 0o700)
	stamp := fmt.Sprintf("%d", time.Now().UnixNano())
	_ = os.WriteFile(filepath.Join(dir, stamp+".stdin.json"), stdin, 0o600)
	_ = os.WriteFile(filepath.Join(dir, stamp+".stdout.json"), stdout, 0o600)
	_ = os.WriteFile(filepath.Join(dir, stamp+".stderr.log"), stderr, 0o600)
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

// lastTopLevelJSONValue scans raw for the last complete top-level JSON
// value, per spec.md §4.2's child JSON parsing rule. A bufio.Scanner over
// a json.Decoder's token stream would lose the raw bytes, so this decodes
// successive values directly with json.Decoder.More, keeping only the
// final one.
func lastTopLevelJSONValue(raw []byte) (json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var last json.RawMessage
	found := false
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			break
		}
		last = append(json.RawMessage(nil), msg...)
		found = true
	}
	return last, found
}
