package agent

import (
	"context"
	"testing"

	"github.com/mcp-zero/mcpzero/core/chainproto"
	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/core/memtrace"
	"github.com/mcp-zero/mcpzero/core/plugin"
)

// fakeHost is a PluginHost test double that never needs an actual WASM
// module: denyIntent marks one intent as ethically denied, and echo
// always returns the inputs it was given.
type fakeHost struct {
	denyIntent string
}

func (h *fakeHost) CheckEthical(ctx context.Context, pluginID, intent string, inputs, policy map[string]any) (bool, error) {
	return intent != h.denyIntent, nil
}

func (h *fakeHost) Invoke(ctx context.Context, pluginID, intent string, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}

func newTestService(host PluginHost) (*Service, *plugin.Registry) {
	store := memtrace.New(nil, true)
	chain := chainproto.New(store)
	plugins := plugin.New()
	return New(plugins, chain, store, host), plugins
}

func mustSign(t *testing.T, kp *crypto.KeyPair, operation string, payload any) string {
	t.Helper()
	sig, err := kp.Sign(operation, payload)
	if err != nil {
		t.Fatalf("sign %s: %v", operation, err)
	}
	return sig
}

func spawnActive(t *testing.T, svc *Service, kp *crypto.KeyPair) *Agent {
	t.Helper()
	req := SpawnRequest{Name: "assistant"}
	a, err := svc.Spawn(req, kp.Public, mustSign(t, kp, "spawn", req))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return a
}

func TestSpawnClampsConstraintsToCeiling(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	req := SpawnRequest{Name: "heavy", Constraints: Constraints{CPUCeiling: 0.9, MemoryCeilingMB: 5000}}
	a, err := svc.Spawn(req, kp.Public, mustSign(t, kp, "spawn", req))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.Constraints.CPUCeiling != spawnCPUCeiling || a.Constraints.MemoryCeilingMB != spawnMemoryCeilingMB {
		t.Fatalf("expected constraints clamped to ceiling, got %+v", a.Constraints)
	}
}

func TestSpawnRejectsBadSignature(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	other, _ := crypto.GenerateKeyPair()
	req := SpawnRequest{Name: "x"}
	sig := mustSign(t, other, "spawn", req)
	if _, err := svc.Spawn(req, kp.Public, sig); err == nil {
		t.Fatalf("expected signature verification to fail against a mismatched key")
	}
}

func TestAttachPluginFailsWhenAgentTerminated(t *testing.T) {
	svc, plugins := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)
	if err := svc.Terminate(a.AgentID, "done", mustSign(t, kp, "terminate", map[string]any{"agent_id": a.AgentID, "reason": "done"})); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	desc := plugins.Register("p1", "1.0", "h1", []string{"exec"}, plugin.ResourceLimits{CPU: 0.1, MemoryMB: 10})
	req := AttachPluginRequest{AgentID: a.AgentID, PluginID: desc.PluginID}
	if err := svc.AttachPlugin(req, mustSign(t, kp, "attach_plugin", req)); err == nil {
		t.Fatalf("expected attach_plugin to fail on a terminated agent")
	}
}

func TestAttachPluginRejectsOverCeilingPlugin(t *testing.T) {
	svc, plugins := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)

	desc := plugins.Register("heavy", "1.0", "h2", []string{"exec"}, plugin.ResourceLimits{CPU: 0.9, MemoryMB: 5000})
	req := AttachPluginRequest{AgentID: a.AgentID, PluginID: desc.PluginID}
	if err := svc.AttachPlugin(req, mustSign(t, kp, "attach_plugin", req)); err == nil {
		t.Fatalf("expected rejection of a plugin whose limits exceed the agent ceiling")
	}
}

func attachOK(t *testing.T, svc *Service, plugins *plugin.Registry, kp *crypto.KeyPair, a *Agent) string {
	t.Helper()
	desc := plugins.Register("light", "1.0", "h3", []string{"exec"}, plugin.ResourceLimits{CPU: 0.1, MemoryMB: 10})
	req := AttachPluginRequest{AgentID: a.AgentID, PluginID: desc.PluginID}
	if err := svc.AttachPlugin(req, mustSign(t, kp, "attach_plugin", req)); err != nil {
		t.Fatalf("attach_plugin: %v", err)
	}
	return desc.PluginID
}

func TestExecuteFailsNotFoundWithoutAttachedPlugin(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)

	req := ExecuteRequest{AgentID: a.AgentID, Intent: "summarize", Inputs: map[string]any{"x": 1}}
	if _, err := svc.Execute(context.Background(), req, mustSign(t, kp, "execute", req)); err == nil {
		t.Fatalf("expected execute to fail without an attached plugin")
	}
}

func TestExecuteFailsPolicyViolationWhenHostDenies(t *testing.T) {
	host := &fakeHost{denyIntent: "forbidden"}
	svc, plugins := newTestService(host)
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)
	attachOK(t, svc, plugins, kp, a)

	req := ExecuteRequest{AgentID: a.AgentID, Intent: "forbidden", Inputs: map[string]any{}}
	_, err := svc.Execute(context.Background(), req, mustSign(t, kp, "execute", req))
	if err == nil {
		t.Fatalf("expected PolicyViolation error")
	}
}

func TestExecuteRecordsCallOnSuccess(t *testing.T) {
	svc, plugins := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)
	attachOK(t, svc, plugins, kp, a)

	req := ExecuteRequest{AgentID: a.AgentID, Intent: "summarize", Inputs: map[string]any{"doc": "hello"}}
	result, err := svc.Execute(context.Background(), req, mustSign(t, kp, "execute", req))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.CallID == "" {
		t.Fatalf("expected a non-empty call id")
	}
	if result.Output["doc"] != "hello" {
		t.Fatalf("expected echoed output, got %+v", result.Output)
	}
}

func TestSnapshotFailsWhenTerminated(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)
	if err := svc.Terminate(a.AgentID, "done", mustSign(t, kp, "terminate", map[string]any{"agent_id": a.AgentID, "reason": "done"})); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	payload := map[string]any{"agent_id": a.AgentID, "reason": "backup"}
	if _, err := svc.Snapshot(a.AgentID, "backup", mustSign(t, kp, "snapshot", payload)); err == nil {
		t.Fatalf("expected snapshot to fail on a terminated agent")
	}
}

func TestRecoverReconstructsIdentityAndPluginList(t *testing.T) {
	svc, plugins := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)
	pluginID := attachOK(t, svc, plugins, kp, a)

	payload := map[string]any{"agent_id": a.AgentID, "reason": "backup"}
	snap, err := svc.Snapshot(a.AgentID, "backup", mustSign(t, kp, "snapshot", payload))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	recoverPayload := map[string]any{"snapshot_id": snap.SnapshotID}
	recovered, err := svc.Recover(snap.SnapshotID, kp.Public, mustSign(t, kp, "recover", recoverPayload))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != StatusRecovered {
		t.Fatalf("expected status recovered, got %s", recovered.Status)
	}
	if recovered.Name != a.Name {
		t.Fatalf("expected recovered name %q, got %q", a.Name, recovered.Name)
	}
	plugins2 := recovered.Plugins()
	if len(plugins2) != 1 || plugins2[0] != pluginID {
		t.Fatalf("expected recovered plugin list %v, got %v", []string{pluginID}, plugins2)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)

	if err := svc.Pause(a.AgentID, mustSign(t, kp, "pause", map[string]any{"agent_id": a.AgentID})); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if a.CurrentStatus() != StatusPaused {
		t.Fatalf("expected paused, got %s", a.CurrentStatus())
	}
	if err := svc.Resume(a.AgentID, mustSign(t, kp, "resume", map[string]any{"agent_id": a.AgentID})); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a.CurrentStatus() != StatusActive {
		t.Fatalf("expected active, got %s", a.CurrentStatus())
	}
}

func TestResourcesAvailableReflectsMonitorGate(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)

	available, err := svc.ResourcesAvailable(a.AgentID)
	if err != nil {
		t.Fatalf("resources available: %v", err)
	}
	if !available {
		t.Fatalf("expected a freshly spawned agent's resource gate to be open")
	}

	if _, err := svc.ResourcesAvailable("missing"); err == nil {
		t.Fatalf("expected not-found error for an unknown agent")
	}
}

func TestTerminateIsIrreversible(t *testing.T) {
	svc, _ := newTestService(&fakeHost{})
	kp, _ := crypto.GenerateKeyPair()
	a := spawnActive(t, svc, kp)

	payload := map[string]any{"agent_id": a.AgentID, "reason": "cleanup"}
	if err := svc.Terminate(a.AgentID, "cleanup", mustSign(t, kp, "terminate", payload)); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := svc.Resume(a.AgentID, mustSign(t, kp, "resume", map[string]any{"agent_id": a.AgentID})); err == nil {
		t.Fatalf("expected resume to fail on a terminated agent")
	}
	if err := svc.Terminate(a.AgentID, "again", mustSign(t, kp, "terminate", map[string]any{"agent_id": a.AgentID, "reason": "again"})); err == nil {
		t.Fatalf("expected double termination to fail")
	}
}
