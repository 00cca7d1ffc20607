package approval

import "testing"

const outer = DevitToolCall

func TestGrantConsumeOnce(t *testing.T) {
	s := NewStore()
	if err := s.Grant(InnerKey(outer, "devit.patch"), ScopeOnce); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	hit, ok := s.Consume(outer, "devit.patch")
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if hit.ApprovalKey != "inner" || hit.Scope != ScopeOnce {
		t.Fatalf("unexpected hit: %+v", hit)
	}

	if _, ok := s.Consume(outer, "devit.patch"); ok {
		t.Fatal("once token must not be consumable twice")
	}
}

func TestConsumeOrder(t *testing.T) {
	s := NewStore()
	// Grant every tier; inner-once must win regardless of grant order.
	if err := s.Grant(OuterKey(outer), ScopeAlways); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(OuterKey(outer), ScopeSession); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(InnerKey(outer, "devit.commit"), ScopeSession); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(OuterKey(outer), ScopeOnce); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(InnerKey(outer, "devit.commit"), ScopeOnce); err != nil {
		t.Fatal(err)
	}

	hit, ok := s.Consume(outer, "devit.commit")
	if !ok || hit.ApprovalKey != "inner" || hit.Scope != ScopeOnce {
		t.Fatalf("expected inner-once to win first, got %+v ok=%v", hit, ok)
	}

	// inner-once is spent; next call should fall to outer-once.
	hit, ok = s.Consume(outer, "devit.commit")
	if !ok || hit.ApprovalKey != "outer" || hit.Scope != ScopeOnce {
		t.Fatalf("expected outer-once next, got %+v ok=%v", hit, ok)
	}

	// outer-once spent too; next call should fall to inner-session.
	hit, ok = s.Consume(outer, "devit.commit")
	if !ok || hit.ApprovalKey != "inner" || hit.Scope != ScopeSession {
		t.Fatalf("expected inner-session next, got %+v ok=%v", hit, ok)
	}

	// session tokens aren't consumed, so a repeated call hits the same tier.
	hit, ok = s.Consume(outer, "devit.commit")
	if !ok || hit.ApprovalKey != "inner" || hit.Scope != ScopeSession {
		t.Fatalf("expected inner-session to persist, got %+v ok=%v", hit, ok)
	}
}

func TestConsumeNoMatch(t *testing.T) {
	s := NewStore()
	if _, ok := s.Consume(outer, "devit.patch"); ok {
		t.Fatal("expected no match on empty store")
	}
	if err := s.Grant(InnerKey(outer, "devit.other"), ScopeAlways); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Consume(outer, "devit.patch"); ok {
		t.Fatal("unrelated inner grant must not satisfy a different tool")
	}
}

func TestOnceAccumulates(t *testing.T) {
	s := NewStore()
	if err := s.Grant(OuterKey(outer), ScopeOnce); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(OuterKey(outer), ScopeOnce); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Consume(outer, "devit.patch"); !ok {
		t.Fatal("expected first consume to succeed")
	}
	if _, ok := s.Consume(outer, "devit.other"); !ok {
		t.Fatal("expected second consume to succeed (two grants accumulated)")
	}
	if _, ok := s.Consume(outer, "devit.third"); ok {
		t.Fatal("expected third consume to fail, remaining should be exhausted")
	}
}

func TestGrantAlwaysIdempotent(t *testing.T) {
	s := NewStore()
	if err := s.Grant(OuterKey(outer), ScopeAlways); err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(OuterKey(outer), ScopeAlways); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, ok := s.Consume(outer, "devit.anything"); !ok {
			t.Fatalf("always grant should authorize call %d", i)
		}
	}
}

func TestGrantInvalidName(t *testing.T) {
	s := NewStore()
	if err := s.Grant("devit.tool_call:", ScopeOnce); err == nil {
		t.Fatal("expected error for empty tool suffix")
	}
}

func TestGrantInvalidScope(t *testing.T) {
	s := NewStore()
	if err := s.Grant(OuterKey(outer), Scope("forever")); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestHas(t *testing.T) {
	s := NewStore()
	if s.Has(OuterKey(outer)) {
		t.Fatal("expected no token present")
	}
	if err := s.Grant(OuterKey(outer), ScopeSession); err != nil {
		t.Fatal(err)
	}
	if !s.Has(OuterKey(outer)) {
		t.Fatal("expected token present after grant")
	}
}

func TestPluginInvokeNamespaceIsIndependent(t *testing.T) {
	s := NewStore()
	if err := s.Grant(InnerKey("plugin.invoke", "my-plugin"), ScopeOnce); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Consume(outer, "my-plugin"); ok {
		t.Fatal("plugin.invoke grant must not leak into devit.tool_call namespace")
	}
	if _, ok := s.Consume("plugin.invoke", "my-plugin"); !ok {
		t.Fatal("expected plugin.invoke consume to succeed")
	}
}
