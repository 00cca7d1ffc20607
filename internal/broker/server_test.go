package broker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/devit-sh/devit-mcpd/internal/config"
	"github.com/devit-sh/devit-mcpd/internal/journal"
	"github.com/devit-sh/devit-mcpd/internal/protocol"
)

// fakeBin writes a tiny shell script used as a stand-in "devit"/"devit-plugin"
// binary so tests never exec a real collaborator.
func fakeBin(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakebin")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestServer builds a Server over a throwaway workspace with the "none"
// sandbox and networking left open, since noneSandbox.Run otherwise rejects
// every dispatch when Net is "off" and the dispatcher never sets
// AllowDegraded.
func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.SandboxMode = "none"
	cfg.Net = "full"
	cfg.DevitBin = fakeBin(t, `cat >/dev/null; echo '{"ok":true}'`)
	cfg.DevitPluginBin = fakeBin(t, `cat >/dev/null; echo '{"ok":true}'`)
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func callToolReq(t *testing.T, srv *Server, name string, args map[string]interface{}) protocol.Response {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(toolCallPayload{Name: name, Args: rawArgs})
	if err != nil {
		t.Fatal(err)
	}
	req := protocol.Request{Type: "tool.call", Payload: payload}
	return srv.Dispatch(context.Background(), req)
}

func tagged(resp protocol.Response) map[string]interface{} {
	te, _ := resp.Error.(protocol.TaggedError)
	return map[string]interface{}(te)
}

func TestHandshakeThenPing(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.Dispatch(context.Background(), protocol.Request{Type: "handshake"})
	if !resp.OK || resp.Type != "handshake" {
		t.Fatalf("unexpected handshake response: %+v", resp)
	}

	resp = srv.Dispatch(context.Background(), protocol.Request{Type: "ping"})
	if !resp.OK || resp.Type != "ping" {
		t.Fatalf("unexpected ping response: %+v", resp)
	}

	resp = srv.Dispatch(context.Background(), protocol.Request{Type: "capabilities"})
	payload, _ := resp.Payload.(map[string]interface{})
	if !resp.OK || payload["tools"] == nil {
		t.Fatalf("unexpected capabilities response: %+v", resp)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := callToolReq(t, srv, "no.such.tool", map[string]interface{}{})
	if resp.OK {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if _, ok := tagged(resp)["unknown_tool"]; !ok {
		t.Fatalf("expected unknown_tool tag, got %+v", resp.Error)
	}
}

func TestSchemaError(t *testing.T) {
	srv := newTestServer(t, nil)
	// server.approve requires name+scope; omit both.
	resp := callToolReq(t, srv, "server.approve", map[string]interface{}{})
	if resp.OK {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if _, ok := tagged(resp)["schema_error"]; !ok {
		t.Fatalf("expected schema_error tag, got %+v", resp.Error)
	}
}

func TestEchoRedactsSecrets(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := callToolReq(t, srv, "echo", map[string]interface{}{"msg": "token sk-ant-abcdef1234567890"})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
	payload, _ := resp.Payload.(map[string]interface{})
	msg, _ := payload["msg"].(string)
	if msg == "token sk-ant-abcdef1234567890" {
		t.Fatalf("expected secret to be redacted, got %q", msg)
	}
}

func TestDevitToolProxyDeniedForServerTools(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "server.stats", "args": map[string]interface{}{},
	})
	if resp.OK {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if _, ok := tagged(resp)["server_tool_proxy_denied"]; !ok {
		t.Fatalf("expected server_tool_proxy_denied tag, got %+v", resp.Error)
	}
}

func TestDevitToolCallRequiresApprovalThenGrantOnceWorks(t *testing.T) {
	srv := newTestServer(t, nil) // default profile "std" -> on_request

	resp := callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "shell_exec", "args": map[string]interface{}{},
	})
	if resp.OK {
		t.Fatalf("expected approval_required, got %+v", resp)
	}
	if _, ok := tagged(resp)["approval_required"]; !ok {
		t.Fatalf("expected approval_required tag, got %+v", resp.Error)
	}

	grant := callToolReq(t, srv, "server.approve", map[string]interface{}{
		"name": "devit.tool_call:shell_exec", "scope": "once",
	})
	if !grant.OK {
		t.Fatalf("expected grant to succeed, got %+v", grant)
	}

	resp = callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "shell_exec", "args": map[string]interface{}{},
	})
	if !resp.OK {
		t.Fatalf("expected dispatch to succeed after grant, got %+v", resp)
	}

	// Once-scoped token is now spent.
	resp = callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "shell_exec", "args": map[string]interface{}{},
	})
	if resp.OK {
		t.Fatalf("expected second call to require approval again, got %+v", resp)
	}
}

func TestDevitToolCallYesBypassesOnRequest(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.Yes = true })

	resp := callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "shell_exec", "args": map[string]interface{}{},
	})
	if !resp.OK {
		t.Fatalf("expected --yes to bypass on_request approval, got %+v", resp)
	}
}

func TestDevitToolCallUntrustedIgnoresYes(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Yes = true
		cfg.Profile = "safe" // devit.tool_call is untrusted in the safe profile
	})

	resp := callToolReq(t, srv, "devit.tool_call", map[string]interface{}{
		"tool": "shell_exec", "args": map[string]interface{}{},
	})
	if resp.OK {
		t.Fatalf("expected untrusted mode to ignore --yes, got %+v", resp)
	}
	if _, ok := tagged(resp)["approval_required"]; !ok {
		t.Fatalf("expected approval_required tag, got %+v", resp.Error)
	}
}

func TestPluginInvokeHasIndependentApprovalNamespace(t *testing.T) {
	srv := newTestServer(t, nil)

	// Granting devit.tool_call approval must not satisfy plugin.invoke.
	if ok := srv.av.Grant("devit.tool_call", "always"); ok != nil {
		t.Fatalf("Grant: %v", ok)
	}

	resp := callToolReq(t, srv, "plugin.invoke", map[string]interface{}{
		"id": "my-plugin", "args": map[string]interface{}{},
	})
	if resp.OK {
		t.Fatalf("expected plugin.invoke to still require its own approval, got %+v", resp)
	}

	grant := callToolReq(t, srv, "server.approve", map[string]interface{}{
		"name": "plugin.invoke", "scope": "always",
	})
	if !grant.OK {
		t.Fatalf("expected grant to succeed, got %+v", grant)
	}

	resp = callToolReq(t, srv, "plugin.invoke", map[string]interface{}{
		"id": "my-plugin", "args": map[string]interface{}{},
	})
	if !resp.OK {
		t.Fatalf("expected plugin.invoke to succeed after its own grant, got %+v", resp)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.MaxCallsPerMin = 1 })

	first := callToolReq(t, srv, "echo", map[string]interface{}{"msg": "one"})
	if !first.OK {
		t.Fatalf("expected first call to succeed, got %+v", first)
	}

	second := callToolReq(t, srv, "echo", map[string]interface{}{"msg": "two"})
	if second.OK {
		t.Fatalf("expected second call to be rate limited, got %+v", second)
	}
	if _, ok := tagged(second)["rate_limited"]; !ok {
		t.Fatalf("expected rate_limited tag, got %+v", second.Error)
	}
}

func TestServerContextHeadReturnsRecentRecords(t *testing.T) {
	srv := newTestServer(t, nil)

	callToolReq(t, srv, "echo", map[string]interface{}{"msg": "hello"})
	callToolReq(t, srv, "server.stats", map[string]interface{}{})

	resp := callToolReq(t, srv, "server.context_head", map[string]interface{}{"limit": float64(2)})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
	payload, _ := resp.Payload.(map[string]interface{})
	head, ok := payload["head"].([]interface{})
	if !ok || len(head) == 0 {
		t.Fatalf("expected non-empty head, got %+v", payload)
	}
}

func TestServerHealthAndStats(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := callToolReq(t, srv, "server.health", map[string]interface{}{})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	resp = callToolReq(t, srv, "server.stats", map[string]interface{}{})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	resp = callToolReq(t, srv, "server.policy", map[string]interface{}{})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
}

func TestDevitToolList(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.DevitBin = fakeBin(t, `cat >/dev/null; echo '{"tools":["shell_exec"]}'`)
	})
	resp := callToolReq(t, srv, "devit.tool_list", map[string]interface{}{})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
}

func TestJournalChainStaysIntact(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := config.Load(workspace)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.SandboxMode = "none"
	cfg.Net = "full"
	cfg.DevitBin = fakeBin(t, `cat >/dev/null; echo '{"ok":true}'`)

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	callToolReq(t, srv, "echo", map[string]interface{}{"msg": "one"})
	callToolReq(t, srv, "server.stats", map[string]interface{}{})
	callToolReq(t, srv, "no.such.tool", map[string]interface{}{})
	srv.Close()

	key := journal.LoadOrCreateMACKey(cfg.JournalKey)
	div, err := journal.Verify(cfg.JournalPath, key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div != nil {
		t.Fatalf("expected no divergence, got %+v", div)
	}
}
