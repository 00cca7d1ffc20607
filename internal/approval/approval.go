// Package approval implements the hierarchical outer/inner approval token
// store (component C4 of the broker). Tokens authorize subsequent
// dispatches and are never persisted across process restarts — every
// grant dies with the broker process, and "once" grants die on first
// consumption.
//
// spec.md §3 defines the grammar concretely for devit.tool_call (outer
// "devit.tool_call", inner "devit.tool_call:<tool>"). This package
// generalizes the same outer/inner shape to any approval-gated dispatch
// family, since plugin.invoke needs the identical mechanism keyed by
// plugin id instead of tool name; devit.tool_call remains the primary,
// spec-named case.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Scope is the lifetime of a granted approval token.
type Scope string

const (
	// ScopeOnce authorizes exactly one matching dispatch, then is removed.
	ScopeOnce Scope = "once"
	// ScopeSession authorizes every matching dispatch until the process exits.
	ScopeSession Scope = "session"
	// ScopeAlways behaves like ScopeSession; it is named separately because
	// clients request it distinctly and it sits last in the consumption
	// order (spec.md §4.3).
	ScopeAlways Scope = "always"
)

// DevitToolCall is the one outer key spec.md §3 names explicitly.
const DevitToolCall = "devit.tool_call"

var (
	// ErrInvalidScope is returned when a grant names an unknown scope.
	ErrInvalidScope = errors.New("approval: invalid scope")
	// ErrInvalidName is returned when a grant's name doesn't match the
	// outer/inner grammar of spec.md §3.
	ErrInvalidName = errors.New("approval: invalid name")
)

// ValidScope reports whether s is one of the three recognized scopes.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeOnce, ScopeSession, ScopeAlways:
		return true
	default:
		return false
	}
}

// InnerKey returns the inner approval key for outer/tool, e.g.
// InnerKey("devit.tool_call", "shell_exec") -> "devit.tool_call:shell_exec".
func InnerKey(outer, tool string) string {
	return outer + ":" + tool
}

// OuterKey returns outer unchanged; it exists for symmetry with InnerKey
// at call sites.
func OuterKey(outer string) string {
	return outer
}

// validateName checks name against the outer/inner grammar: either a bare
// outer identifier (e.g. "devit.tool_call", "plugin.invoke"), or
// "<outer>:<tool>" with a non-empty tool name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if outer, tool, found := strings.Cut(name, ":"); found {
		if outer == "" || tool == "" {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		return nil
	}
	return nil
}

// key identifies one (name, scope) bucket in the store.
type key struct {
	name  string
	scope Scope
}

// entry tracks how many times a token may still be consumed. "once"
// grants carry a remaining count (spec.md §3's `remaining?` field);
// "session"/"always" grants are unlimited until process exit and their
// remaining count is left at zero and ignored.
type entry struct {
	remaining  int
	acquiredAt time.Time
}

// Hit records which approval key/scope/tier satisfied a consumption, for
// journaling (spec.md §4.3: "Every consumption is journaled with fields
// approval_key, name, hit").
type Hit struct {
	ApprovalKey string // "inner" or "outer"
	Name        string
	Scope       Scope
}

// Store is the hierarchical approval token store. It is owned by one
// broker.Server value and must never be a package-level global
// (spec.md §9).
type Store struct {
	mu     sync.Mutex
	tokens map[key]*entry
}

// NewStore creates an empty approval store.
func NewStore() *Store {
	return &Store{tokens: make(map[key]*entry)}
}

// Grant records an approval token. Granting the same (name, scope=always)
// or (name, scope=session) twice is idempotent (spec.md §8). Granting the
// same (name, scope=once) multiple times accumulates a remaining count,
// so N grants authorize N future consumptions.
func (s *Store) Grant(name string, scope Scope) error {
	if err := validateName(name); err != nil {
		return err
	}
	if !ValidScope(scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{name: name, scope: scope}
	if scope == ScopeOnce {
		if e, ok := s.tokens[k]; ok {
			e.remaining++
			return nil
		}
		s.tokens[k] = &entry{remaining: 1, acquiredAt: time.Now().UTC()}
		return nil
	}

	// session/always: idempotent presence, no counting.
	if _, ok := s.tokens[k]; !ok {
		s.tokens[k] = &entry{acquiredAt: time.Now().UTC()}
	}
	return nil
}

// Consume attempts to satisfy a dispatch of tool under the outer family
// outer (e.g. outer="devit.tool_call", tool="shell_exec"), following the
// fixed priority order of spec.md §4.3:
//
//  1. inner once     2. outer once
//  3. inner session  4. outer session
//  5. inner always   6. outer always
//
// The first match consumes exactly one right. Returns ok=false if no
// token matches any tier.
func (s *Store) Consume(outer, tool string) (Hit, bool) {
	inner := InnerKey(outer, tool)

	tiers := []struct {
		name  string
		kind  string
		scope Scope
	}{
		{inner, "inner", ScopeOnce},
		{outer, "outer", ScopeOnce},
		{inner, "inner", ScopeSession},
		{outer, "outer", ScopeSession},
		{inner, "inner", ScopeAlways},
		{outer, "outer", ScopeAlways},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tiers {
		k := key{name: t.name, scope: t.scope}
		e, ok := s.tokens[k]
		if !ok {
			continue
		}
		if t.scope == ScopeOnce {
			e.remaining--
			if e.remaining <= 0 {
				delete(s.tokens, k)
			}
		}
		return Hit{ApprovalKey: t.kind, Name: t.name, Scope: t.scope}, true
	}
	return Hit{}, false
}

// Has reports whether at least one token (of any scope) is currently
// granted for name. Used by server.policy diagnostics.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range []Scope{ScopeOnce, ScopeSession, ScopeAlways} {
		if _, ok := s.tokens[key{name: name, scope: sc}]; ok {
			return true
		}
	}
	return false
}
