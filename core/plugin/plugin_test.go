package plugin

import "testing"

func TestCheckAgentCeilingRejectsOverLimitPlugin(t *testing.T) {
	r := New()
	d := r.Register("heavy-plugin", "1.0", "hash1", []string{"exec"}, ResourceLimits{CPU: 0.5, MemoryMB: 1000})
	if err := r.CheckAgentCeiling(d.PluginID, 0.27, 827); err == nil {
		t.Fatalf("expected rejection of plugin whose limits exceed the agent ceiling")
	}
}

func TestCheckAgentCeilingAcceptsWithinLimit(t *testing.T) {
	r := New()
	d := r.Register("light-plugin", "1.0", "hash2", []string{"exec"}, ResourceLimits{CPU: 0.1, MemoryMB: 100})
	if err := r.CheckAgentCeiling(d.PluginID, 0.27, 827); err != nil {
		t.Fatalf("expected plugin within ceiling to be accepted, got %v", err)
	}
}

func TestGetUnregisteredPluginFails(t *testing.T) {
	r := New()
	if _, err := r.Get("missing"); err == nil {
		t.Fatalf("expected not-found error for unregistered plugin")
	}
}

func TestHasCapability(t *testing.T) {
	r := New()
	d := r.Register("p", "1.0", "h", []string{"exec", "snapshot"}, ResourceLimits{})
	if !r.HasCapability(d.PluginID, "exec") {
		t.Fatalf("expected HasCapability to find declared capability")
	}
	if r.HasCapability(d.PluginID, "nonexistent") {
		t.Fatalf("expected HasCapability to reject undeclared capability")
	}
}
