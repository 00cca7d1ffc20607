// Package policy implements the Policy Engine (C5): resolving the
// required approval mode for a tool by merging a named profile preset
// with workspace-configured overrides, and tracking the "has failed
// before" bit that on_failure mode consults.
package policy

import (
	"fmt"
	"sync"
)

// Mode is a tool's required approval behavior.
type Mode string

const (
	ModeNever     Mode = "never"
	ModeOnRequest Mode = "on_request"
	ModeOnFailure Mode = "on_failure"
	ModeUntrusted Mode = "untrusted"
)

// ValidMode reports whether m is a recognized approval mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeNever, ModeOnRequest, ModeOnFailure, ModeUntrusted:
		return true
	default:
		return false
	}
}

// serverToolNames are the built-in server.* tools, always ModeNever per
// spec.md §3's invariant ("server.* is always never in built-in presets").
var serverToolNames = map[string]bool{
	"server.policy":        true,
	"server.health":        true,
	"server.stats":         true,
	"server.stats.reset":   true,
	"server.approve":       true,
	"server.context_head":  true,
}

// profiles holds the three named presets. devit.tool_call and
// plugin.invoke default stricter in safe, per spec.md §3.
var profiles = map[string]map[string]Mode{
	"safe": {
		"devit.tool_call": ModeUntrusted,
		"plugin.invoke":   ModeUntrusted,
		"devit.tool_list": ModeNever,
		"echo":            ModeNever,
	},
	"std": {
		"devit.tool_call": ModeOnRequest,
		"plugin.invoke":   ModeOnRequest,
		"devit.tool_list": ModeNever,
		"echo":            ModeNever,
	},
	"danger": {
		"devit.tool_call": ModeOnFailure,
		"plugin.invoke":   ModeOnFailure,
		"devit.tool_list": ModeNever,
		"echo":            ModeNever,
	},
}

// defaultMode is used for any tool name not named by a profile or
// override and not a built-in server.* tool.
const defaultMode = ModeOnRequest

// ErrUnknownProfile is returned when Engine is constructed with a profile
// name other than safe/std/danger.
type ErrUnknownProfile struct{ Profile string }

func (e *ErrUnknownProfile) Error() string {
	return fmt.Sprintf("policy: unknown profile %q", e.Profile)
}

// Engine resolves approval modes and tracks per-tool failure state for
// on_failure. One Engine per broker.Server value (spec.md §9).
type Engine struct {
	profile   string
	overrides map[string]Mode // glob pattern -> mode, resolved in §8.2's Open Question: overrides always win

	mu       sync.Mutex
	failures map[string]bool
}

// NewEngine builds a policy Engine for the named profile with the given
// [mcp.approvals] overrides (tool-name glob pattern -> mode string).
func NewEngine(profile string, overrides map[string]string) (*Engine, error) {
	if _, ok := profiles[profile]; !ok {
		return nil, &ErrUnknownProfile{Profile: profile}
	}
	resolved := make(map[string]Mode, len(overrides))
	for pattern, modeStr := range overrides {
		m := Mode(modeStr)
		if !ValidMode(m) {
			return nil, fmt.Errorf("policy: invalid override mode %q for pattern %q", modeStr, pattern)
		}
		resolved[pattern] = m
	}
	return &Engine{
		profile:   profile,
		overrides: resolved,
		failures:  make(map[string]bool),
	}, nil
}

// Resolve returns the approval mode required for tool, merging the
// profile preset with any matching override. Overrides always win over
// the profile (spec.md's Open Question #2, resolved in DESIGN.md).
// server.* tools are never overridable: they are always ModeNever.
func (e *Engine) Resolve(tool string) Mode {
	if serverToolNames[tool] {
		return ModeNever
	}

	if mode, ok := e.matchOverride(tool); ok {
		return mode
	}

	if mode, ok := profiles[e.profile][tool]; ok {
		return mode
	}
	return defaultMode
}

// matchOverride finds the most specific override pattern matching tool.
func (e *Engine) matchOverride(tool string) (Mode, bool) {
	bestScore := -1
	var best Mode
	found := false
	for pattern, mode := range e.overrides {
		if !globMatch(pattern, tool) {
			continue
		}
		if s := specificity(pattern); s > bestScore {
			bestScore = s
			best = mode
			found = true
		}
	}
	return best, found
}

// RequiresApproval reports whether dispatching tool right now needs a
// consumed approval token, given whether tool has failed before in this
// session. untrusted always requires one and ignores any client --yes
// flag (the caller is responsible for not special-casing untrusted).
func (e *Engine) RequiresApproval(tool string) bool {
	switch e.Resolve(tool) {
	case ModeNever:
		return false
	case ModeOnRequest, ModeUntrusted:
		return true
	case ModeOnFailure:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.failures[tool]
	default:
		return true
	}
}

// IsUntrusted reports whether tool's resolved mode is untrusted, so
// callers can ignore a client-supplied --yes bypass for it.
func (e *Engine) IsUntrusted(tool string) bool {
	return e.Resolve(tool) == ModeUntrusted
}

// MarkFailed records that tool produced a structured failure this
// session, so a subsequent on_failure-mode dispatch of the same tool
// will require an approval token (spec.md's resolved Open Question #1:
// scoped to the same tool, not any unrelated tool's failure).
func (e *Engine) MarkFailed(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[tool] = true
}

// Dump returns the fully-resolved (tool, mode) table for every tool named
// by the active profile, for the --policy-dump CLI flag (SPEC_FULL.md
// §6.2).
func (e *Engine) Dump() map[string]Mode {
	out := make(map[string]Mode, len(profiles[e.profile])+len(serverToolNames))
	for tool := range profiles[e.profile] {
		out[tool] = e.Resolve(tool)
	}
	for tool := range serverToolNames {
		out[tool] = ModeNever
	}
	return out
}
