// Package broker composes every leaf component (C1-C9) into the
// internal/broker.Server value spec.md §9 describes as the broker's only
// piece of ambient state: one struct, constructed once in
// cmd/devit-mcpd/main.go and passed by reference into the protocol loop,
// never package-level globals. Server implements internal/protocol.Handler,
// turning one dispatched request frame into policy, approval, sandbox, and
// journal decisions.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devit-sh/devit-mcpd/internal/approval"
	"github.com/devit-sh/devit-mcpd/internal/config"
	"github.com/devit-sh/devit-mcpd/internal/journal"
	"github.com/devit-sh/devit-mcpd/internal/policy"
	"github.com/devit-sh/devit-mcpd/internal/protocol"
	"github.com/devit-sh/devit-mcpd/internal/ratelimit"
	"github.com/devit-sh/devit-mcpd/internal/redact"
	"github.com/devit-sh/devit-mcpd/internal/registry"
	"github.com/devit-sh/devit-mcpd/internal/sandbox"
	"github.com/devit-sh/devit-mcpd/internal/watchdog"
)

// Version is the broker's release identifier, reported in the handshake
// and version responses. Overridden at link time in release builds
// (mirrors the teacher's cmd/mcplexer version handling).
var Version = "dev"

// recentJournalCap bounds how many records server.context_head can
// replay, so a long-running session doesn't grow this buffer unbounded.
const recentJournalCap = 20

// Server is the broker's ambient state: every C1-C9 component as a field,
// never a package-level global (spec.md §9).
type Server struct {
	cfg *config.Config

	reg    *registry.Registry
	disp   *registry.Dispatcher
	pe     *policy.Engine
	av     *approval.Store
	rl     *ratelimit.Limiter
	rd     *redact.Redactor
	box    sandbox.Sandbox
	j      *journal.Journal
	wd     *watchdog.Watchdog

	sessionID string

	mu            sync.Mutex
	handshakeSeen bool
	recent        []journal.Record
}

// New wires every leaf component from a resolved Config into one Server,
// following the construction order of SPEC_FULL.md §5.
func New(cfg *config.Config) (*Server, error) {
	reg, err := registry.New()
	if err != nil {
		return nil, fmt.Errorf("broker: build registry: %w", err)
	}

	box, err := sandbox.New(cfg.SandboxMode)
	if err != nil {
		return nil, fmt.Errorf("broker: build sandbox: %w", err)
	}

	pe, err := policy.NewEngine(cfg.Profile, cfg.Approvals)
	if err != nil {
		return nil, fmt.Errorf("broker: build policy engine: %w", err)
	}

	var macKey []byte
	if !cfg.NoAudit {
		macKey = journal.LoadOrCreateMACKey(cfg.JournalKey)
	}
	j, err := journal.Open(cfg.JournalPath, macKey, cfg.NoAudit)
	if err != nil {
		return nil, fmt.Errorf("broker: open journal: %w", err)
	}

	extra := make([]redact.ExtraPattern, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		extra = append(extra, redact.ExtraPattern{Name: p.Name, Regex: p.Regex})
	}
	rd := redact.New(cfg.RedactPlaceholder, extra, cfg.SecretsScan)

	rl := ratelimit.New(cfg.MaxCallsPerMin, cfg.CooldownMS, cfg.MaxJSONKB)
	wd := watchdog.New(cfg.MaxRuntimeSecs, time.Now())

	disp := &registry.Dispatcher{
		DevitBin:       cfg.DevitBin,
		DevitPluginBin: cfg.DevitPluginBin,
		TimeoutSecs:    cfg.TimeoutSecs,
		ChildDumpDir:   cfg.ChildDumpDir,
		Box:            box,
		EnvAllow:       cfg.EnvAllow,
		CPUSecs:        cfg.CPUSecs,
		MemMB:          cfg.MemMB,
		Net:            sandbox.Net(cfg.Net),
	}

	return &Server{
		cfg:       cfg,
		reg:       reg,
		disp:      disp,
		pe:        pe,
		av:        approval.NewStore(),
		rl:        rl,
		rd:        rd,
		box:       box,
		j:         j,
		wd:        wd,
		sessionID: uuid.NewString(),
	}, nil
}

// Close releases the journal's file handle; called once at clean shutdown.
func (s *Server) Close() error {
	return s.j.Close()
}

// MaxFrameBytes implements protocol.Handler.
func (s *Server) MaxFrameBytes() int { return s.rl.MaxJSONBytes() }

// WatchdogDeadline implements protocol.Handler.
func (s *Server) WatchdogDeadline() (time.Time, bool) { return s.wd.Deadline() }

// OnWatchdogTrip implements protocol.Handler: spec.md §4.8 requires a
// terminal journal record before the process exits 2.
func (s *Server) OnWatchdogTrip() {
	s.record("broker", "watchdog", "", "", "watchdog_exceeded", nil)
}

// Dispatch implements protocol.Handler, routing one request frame to its
// built-in handling per spec.md §3's request type enum.
func (s *Server) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	now := time.Now()

	s.mu.Lock()
	seenBefore := s.handshakeSeen
	if req.Type == "handshake" {
		s.handshakeSeen = true
	}
	s.mu.Unlock()

	switch req.Type {
	case "handshake":
		return protocol.OK("handshake", map[string]interface{}{"server": "devit-mcpd/" + Version, "session": s.sessionID})
	case "version":
		return protocol.OK("version", map[string]interface{}{"version": Version})
	case "capabilities":
		return protocol.OK("capabilities", map[string]interface{}{"tools": registry.BuiltinNames})
	case "ping":
		return protocol.OK("ping", map[string]interface{}{"ts": now.Unix()})
	case "approve":
		return s.callTool(ctx, "server.approve", req.Payload, now, seenBefore)
	case "tool.call":
		return s.dispatchToolCall(ctx, req.Payload, now, seenBefore)
	default:
		return protocol.Fail("", protocol.NewTaggedError("unknown_tool", map[string]interface{}{"type": req.Type}))
	}
}

type toolCallPayload struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

func (s *Server) dispatchToolCall(ctx context.Context, raw json.RawMessage, now time.Time, seenBefore bool) protocol.Response {
	var p toolCallPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return protocol.Fail("tool.result", protocol.NewTaggedError("unknown_tool", map[string]interface{}{"name": p.Name}))
	}
	return s.callTool(ctx, p.Name, p.Args, now, seenBefore)
}

// callTool looks up name in the registry, enforces the rate limiter and
// schema, and routes to the tool-specific handler. Every branch journals
// its outcome before returning a response (spec.md §5's
// journal-before-respond ordering guarantee).
func (s *Server) callTool(ctx context.Context, name string, rawArgs json.RawMessage, now time.Time, seenBefore bool) protocol.Response {
	digest := argsDigest(rawArgs)
	extraFlags := func(fields map[string]interface{}) map[string]interface{} {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["handshake_missing"] = !seenBefore
		return fields
	}

	desc := s.reg.Lookup(name)
	if desc == nil {
		s.record("client", "tool.call", name, digest, "unknown_tool", extraFlags(nil))
		return protocol.Fail("tool.result", protocol.NewTaggedError("unknown_tool", map[string]interface{}{"name": name}))
	}

	if rl := s.rl.Allow(name, now); !rl.Allowed {
		s.record("client", "tool.call", name, digest, "rate_limited", extraFlags(map[string]interface{}{
			"limit": s.rl.Limit(), "window_s": ratelimit.WindowSeconds, "retry_after_ms": rl.RetryAfterMS,
		}))
		return protocol.Fail("tool.result", protocol.NewTaggedError("rate_limited", map[string]interface{}{
			"limit": s.rl.Limit(), "window_s": ratelimit.WindowSeconds, "retry_after_ms": rl.RetryAfterMS,
		}))
	}

	var argsVal interface{} = map[string]interface{}{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &argsVal); err != nil {
			s.record("client", "tool.call", name, digest, "schema_error", extraFlags(nil))
			return protocol.Fail("tool.result", protocol.NewTaggedError("schema_error", map[string]interface{}{
				"path": "/", "reason": "args is not valid JSON",
			}))
		}
	}

	if fieldErr := desc.Validate(argsVal); fieldErr != nil {
		s.record("client", "tool.call", name, digest, "schema_error", extraFlags(map[string]interface{}{
			"path": fieldErr.Path, "reason": fieldErr.Reason,
		}))
		return protocol.Fail("tool.result", protocol.NewTaggedError("schema_error", map[string]interface{}{
			"path": fieldErr.Path, "reason": fieldErr.Reason,
		}))
	}

	argsMap, _ := argsVal.(map[string]interface{})

	switch name {
	case "server.policy":
		return s.handleServerPolicy(digest, seenBefore)
	case "server.health":
		return s.handleServerHealth(digest, seenBefore)
	case "server.stats":
		return s.handleServerStats(digest, seenBefore)
	case "server.stats.reset":
		return s.handleServerStatsReset(digest, seenBefore)
	case "server.approve":
		return s.handleServerApprove(argsMap, digest, seenBefore)
	case "server.context_head":
		return s.handleServerContextHead(argsMap, digest, seenBefore)
	case "devit.tool_list":
		return s.handleDevitToolList(ctx, digest, seenBefore)
	case "devit.tool_call":
		return s.handleDevitToolCall(ctx, argsMap, digest, seenBefore)
	case "plugin.invoke":
		return s.handlePluginInvoke(ctx, argsMap, digest, seenBefore)
	case "echo":
		return s.handleEcho(argsMap, digest, seenBefore)
	default:
		// Unreachable: every registry.BuiltinNames entry is handled above.
		return protocol.Fail("tool.result", protocol.NewTaggedError("unknown_tool", map[string]interface{}{"name": name}))
	}
}

func (s *Server) handleServerPolicy(digest string, seenBefore bool) protocol.Response {
	s.record("client", "server.policy", "server.policy", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", s.pe.Dump())
}

func (s *Server) handleServerHealth(digest string, seenBefore bool) protocol.Response {
	day := time.Now().UTC().Format("20060102")
	path := filepath.Join(s.cfg.Workspace, ".devit", "attestations", day, "attest.jsonl")
	data, err := os.ReadFile(path)
	status := "no_attestations"
	count := 0
	if err == nil {
		count = strings.Count(strings.TrimRight(string(data), "\n"), "\n") + 1
		if len(data) == 0 {
			count = 0
		} else {
			status = "ok"
		}
	}
	s.record("client", "server.health", "server.health", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", map[string]interface{}{
		"status":             status,
		"attestations_today": count,
		"journal_enabled":    !s.cfg.NoAudit,
		"sandbox":            s.box.Name(),
	})
}

func (s *Server) handleServerStats(digest string, seenBefore bool) protocol.Response {
	s.record("client", "server.stats", "server.stats", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", map[string]interface{}{"tools": s.rl.Stats()})
}

func (s *Server) handleServerStatsReset(digest string, seenBefore bool) protocol.Response {
	s.rl.Reset()
	s.record("client", "server.stats.reset", "server.stats.reset", digest, "ok", map[string]interface{}{"handshake_missing": !seenBefore})
	return protocol.OK("tool.result", map[string]interface{}{"reset": true})
}

// handleServerContextHead returns the most recent journal records this
// process has appended, redacted, as a lightweight read-only window into
// broker activity for a client building prompt context. This is a
// supplemented interpretation of spec.md §3's server.context_head
// descriptor, recorded as an Open Question resolution in DESIGN.md.
func (s *Server) handleServerContextHead(args map[string]interface{}, digest string, seenBefore bool) protocol.Response {
	limit := recentJournalCap
	if lf, ok := args["limit"].(float64); ok && lf > 0 && int(lf) < limit {
		limit = int(lf)
	}

	s.mu.Lock()
	recent := append([]journal.Record(nil), s.recent...)
	s.mu.Unlock()

	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	entries := make([]interface{}, 0, len(recent))
	for _, r := range recent {
		entries = append(entries, map[string]interface{}{
			"id":      r.ID,
			"ts":      r.TS,
			"actor":   r.Actor,
			"action":  r.Action,
			"tool":    r.Tool,
			"outcome": r.Outcome,
		})
	}
	redacted := s.rd.RedactValue(map[string]interface{}{"head": entries})
	s.record("client", "server.context_head", "server.context_head", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", redacted)
}

func (s *Server) handleServerApprove(args map[string]interface{}, digest string, seenBefore bool) protocol.Response {
	name, _ := args["name"].(string)
	scopeStr, _ := args["scope"].(string)

	if err := s.av.Grant(name, approval.Scope(scopeStr)); err != nil {
		s.record("client", "server.approve", name, digest, "grant_denied", map[string]interface{}{
			"error": err.Error(), "handshake_missing": !seenBefore,
		})
		return protocol.Fail("tool.result", protocol.NewTaggedError("schema_error", map[string]interface{}{
			"path": "/name", "reason": err.Error(),
		}))
	}

	s.record("client", "server.approve", name, digest, "granted", map[string]interface{}{
		"name": name, "scope": scopeStr, "handshake_missing": !seenBefore,
	})
	return protocol.OK("tool.result", map[string]interface{}{"granted": true})
}

func (s *Server) handleEcho(args map[string]interface{}, digest string, seenBefore bool) protocol.Response {
	msg, _ := args["msg"].(string)
	redacted := s.rd.RedactValue(map[string]interface{}{"msg": msg})
	s.record("client", "echo", "echo", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", redacted)
}

func (s *Server) handleDevitToolList(ctx context.Context, digest string, seenBefore bool) protocol.Response {
	out, err := s.disp.ListDevitTools(ctx)
	if err != nil {
		tag, fields := s.classifyChildError(err)
		s.record("client", "devit.tool_list", "devit.tool_list", digest, tag, extra(fields, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError(tag, fields))
	}

	var val interface{}
	_ = json.Unmarshal(out, &val)
	redacted := s.rd.RedactValue(val)
	s.record("client", "devit.tool_list", "devit.tool_list", digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", redacted)
}

// resolveApproval applies the consumption-or-bypass rule shared by
// devit.tool_call and plugin.invoke: untrusted mode always needs a token
// and ignores --yes; on_request/on_failure honor --yes as a bypass.
func (s *Server) resolveApproval(outer string, mode policy.Mode, requiresToken bool, yes bool, inner string) (approval.Hit, bool, bool) {
	needsToken := requiresToken
	if needsToken && mode != policy.ModeUntrusted && yes {
		needsToken = false
	}
	if !needsToken {
		return approval.Hit{}, true, false
	}
	hit, ok := s.av.Consume(outer, inner)
	return hit, ok, true
}

func (s *Server) handleDevitToolCall(ctx context.Context, args map[string]interface{}, digest string, seenBefore bool) protocol.Response {
	tool, _ := args["tool"].(string)
	innerArgs := args["args"]

	if strings.HasPrefix(tool, "server.") {
		s.record("client", "devit.tool_call", tool, digest, "server_tool_proxy_denied", extra(nil, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError("server_tool_proxy_denied", map[string]interface{}{"tool": tool}))
	}

	mode := s.pe.Resolve("devit.tool_call")
	requiresToken := s.pe.RequiresApproval("devit.tool_call")
	hit, allowed, consumedAttempt := s.resolveApproval(approval.DevitToolCall, mode, requiresToken, s.cfg.Yes, tool)
	if !allowed {
		s.record("client", "devit.tool_call", tool, digest, "approval_required", extra(map[string]interface{}{
			"policy": string(mode), "phase": "pre",
		}, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError("approval_required", map[string]interface{}{
			"tool": tool, "policy": string(mode), "phase": "pre", "reason": "no matching approval token",
		}))
	}
	if consumedAttempt {
		s.record("client", "server.approve.consume", tool, digest, "consumed", extra(map[string]interface{}{
			"approval_key": hit.ApprovalKey, "name": hit.Name, "hit": string(hit.Scope),
		}, seenBefore))
	}

	result, err := s.disp.CallDevitTool(ctx, map[string]interface{}{"tool": tool, "args": innerArgs})
	if err != nil {
		s.pe.MarkFailed("devit.tool_call")
		tag, fields := s.classifyChildError(err)
		s.record("client", "devit.tool_call", tool, digest, tag, extra(fields, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError(tag, fields))
	}

	var val interface{}
	_ = json.Unmarshal(result, &val)
	redacted := s.rd.RedactValue(val)
	s.record("client", "devit.tool_call", tool, digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", redacted)
}

func (s *Server) handlePluginInvoke(ctx context.Context, args map[string]interface{}, digest string, seenBefore bool) protocol.Response {
	id, _ := args["id"].(string)
	manifest, _ := args["manifest"].(string)
	innerArgs := args["args"]

	mode := s.pe.Resolve("plugin.invoke")
	requiresToken := s.pe.RequiresApproval("plugin.invoke")
	hit, allowed, consumedAttempt := s.resolveApproval("plugin.invoke", mode, requiresToken, s.cfg.Yes, id)
	if !allowed {
		s.record("client", "plugin.invoke", id, digest, "approval_required", extra(map[string]interface{}{
			"policy": string(mode), "phase": "pre",
		}, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError("approval_required", map[string]interface{}{
			"tool": id, "policy": string(mode), "phase": "pre", "reason": "no matching approval token",
		}))
	}
	if consumedAttempt {
		s.record("client", "server.approve.consume", id, digest, "consumed", extra(map[string]interface{}{
			"approval_key": hit.ApprovalKey, "name": hit.Name, "hit": string(hit.Scope),
		}, seenBefore))
	}

	result, err := s.disp.InvokePlugin(ctx, id, manifest, innerArgs)
	if err != nil {
		s.pe.MarkFailed("plugin.invoke")
		tag, fields := s.classifyChildError(err)
		s.record("client", "plugin.invoke", id, digest, tag, extra(fields, seenBefore))
		return protocol.Fail("tool.result", protocol.NewTaggedError(tag, fields))
	}

	var val interface{}
	_ = json.Unmarshal(result, &val)
	redacted := s.rd.RedactValue(val)
	s.record("client", "plugin.invoke", id, digest, "ok", extra(nil, seenBefore))
	return protocol.OK("tool.result", redacted)
}

// classifyChildError maps a registry/sandbox error to its stable tag and
// fields (spec.md §7), redacting any captured tail bytes before they can
// reach a response payload.
func (s *Server) classifyChildError(err error) (string, map[string]interface{}) {
	var cerr *registry.ChildError
	if errors.As(err, &cerr) {
		fields := map[string]interface{}{}
		if cerr.ExitCode != 0 {
			fields["code"] = cerr.ExitCode
		}
		if len(cerr.Tail) > 0 {
			redactedTail, _ := s.rd.RedactString(string(cerr.Tail))
			fields["tail"] = redactedTail
		}
		return cerr.Tag, fields
	}

	var serr *sandbox.Error
	if errors.As(err, &serr) {
		fields := make(map[string]interface{}, len(serr.Fields))
		for k, v := range serr.Fields {
			fields[k] = v
		}
		return serr.Tag, fields
	}

	return "non_zero_exit", map[string]interface{}{"error": err.Error()}
}

func extra(fields map[string]interface{}, seenBefore bool) map[string]interface{} {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["handshake_missing"] = !seenBefore
	return fields
}

func argsDigest(raw json.RawMessage) string {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// record appends one journal entry and keeps the in-memory recent-records
// ring buffer server.context_head reads from. A second consecutive write
// failure is fatal per spec.md §7: the process exits 2 with an unredacted
// stderr line, since the failed payload itself must never be printed.
func (s *Server) record(actor, action, tool, digest, outcome string, fields map[string]interface{}) {
	var raw json.RawMessage
	if fields != nil {
		raw, _ = json.Marshal(fields)
	}
	rec := journal.Record{
		ID:         uuid.NewString(),
		Session:    s.sessionID,
		TS:         time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		Tool:       tool,
		ArgsDigest: digest,
		Outcome:    outcome,
		Extra:      raw,
	}

	if err := s.j.Append(rec); err != nil {
		slog.Error("journal write failed twice, exiting", "error", err)
		fmt.Fprintln(os.Stderr, "journal write failed: refusing to continue without an audit trail")
		os.Exit(2)
	}

	s.mu.Lock()
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentJournalCap {
		s.recent = s.recent[len(s.recent)-recentJournalCap:]
	}
	s.mu.Unlock()
}
