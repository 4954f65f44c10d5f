package memtrace

import "testing"

type failingRegistrar struct{ calls int }

func (f *failingRegistrar) RegisterNode(agentID string, n *Node) error {
	f.calls++
	return errSentinel
}

var errSentinel = &registrarErr{}

type registrarErr struct{}

func (*registrarErr) Error() string { return "registrar unreachable" }

func TestChainIntegrity(t *testing.T) {
	// E1: observation -> reasoning -> action -> conclusion, then tamper.
	s := New(nil, true)

	oID, err := s.AddMemory("agent-a", "saw something", Observation, nil, nil)
	if err != nil {
		t.Fatalf("add observation: %v", err)
	}
	rID, err := s.AddMemory("agent-a", "thought about it", Reasoning, nil, &oID)
	if err != nil {
		t.Fatalf("add reasoning: %v", err)
	}
	xID, err := s.AddMemory("agent-a", "did something", Action, nil, &rID)
	if err != nil {
		t.Fatalf("add action: %v", err)
	}
	cID, err := s.AddMemory("agent-a", "concluded", Conclusion, nil, &xID)
	if err != nil {
		t.Fatalf("add conclusion: %v", err)
	}

	path, err := s.GetMemoryPath(cID)
	if err != nil {
		t.Fatalf("get path: %v", err)
	}
	if len(path) != 4 || path[0].NodeID != oID || path[1].NodeID != rID || path[2].NodeID != xID || path[3].NodeID != cID {
		t.Fatalf("unexpected path: %+v", path)
	}
	if !VerifyMemoryTrace(path) {
		t.Fatalf("expected valid trace before tampering")
	}

	// tamper with R.content directly in storage
	path[1].Content = "tampered"
	if VerifyMemoryTrace(path) {
		t.Fatalf("expected tampered trace to fail verification")
	}
}

func TestAddMemoryRejectsMissingParent(t *testing.T) {
	s := New(nil, true)
	missing := "does-not-exist"
	if _, err := s.AddMemory("agent-a", "x", Observation, nil, &missing); err == nil {
		t.Fatalf("expected error for missing parent")
	}
}

func TestOfflineFallbackIsSticky(t *testing.T) {
	reg := &failingRegistrar{}
	s := New(reg, false)
	if _, err := s.AddMemory("agent-a", "x", Observation, nil, nil); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	if !s.OfflineMode() {
		t.Fatalf("expected store to fall back to offline mode")
	}
	if reg.calls != 1 {
		t.Fatalf("expected registrar called once, got %d", reg.calls)
	}
	// A second append must not retry the registrar.
	if _, err := s.AddMemory("agent-a", "y", Observation, nil, nil); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	if reg.calls != 1 {
		t.Fatalf("expected registrar not retried once offline, got %d calls", reg.calls)
	}
}

func TestSearchMemoriesCapsAtHundred(t *testing.T) {
	s := New(nil, true)
	for i := 0; i < 150; i++ {
		if _, err := s.AddMemory("agent-a", "needle in haystack", Observation, nil, nil); err != nil {
			t.Fatalf("add memory: %v", err)
		}
	}
	results := s.SearchMemories("needle")
	if len(results) != 100 {
		t.Fatalf("expected 100 results, got %d", len(results))
	}
}
