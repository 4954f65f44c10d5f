package mesh

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeConn wires one directed leg of an in-process full-duplex channel: a
// Send delivers to `to`, handing it the reverse leg (to -> from) as the
// conn it should reply on, mirroring how a real socket's single Conn
// object serves both directions.
type fakeConn struct {
	from, to *Node
}

func (c *fakeConn) Send(env Envelope) error {
	reverse := &fakeConn{from: c.to, to: c.from}
	return c.to.HandleMessage(c.from.NodeID, reverse, env)
}

func (c *fakeConn) Close() error { return nil }

func TestNodeIgnoresOwnMessages(t *testing.T) {
	n := New("agent", "localhost:1", nil)
	env := n.envelope(Discovery, map[string]any{})
	if err := n.HandleMessage("self", nil, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(n.peers) != 0 {
		t.Fatalf("expected no peer registration from a self-originated message")
	}
}

func TestRegisterLocalResourceClampsToCeiling(t *testing.T) {
	n := New("agent", "localhost:1", nil)
	entry := n.RegisterLocalResource("res-1", "agent", 0.9, 2000, nil)
	if entry.Metadata["cpu"] != agentCPUCeiling {
		t.Fatalf("expected cpu clamped to %f, got %v", agentCPUCeiling, entry.Metadata["cpu"])
	}
	if entry.Metadata["memory_mb"] != agentMemoryCeilingMB {
		t.Fatalf("expected memory clamped to %f, got %v", agentMemoryCeilingMB, entry.Metadata["memory_mb"])
	}
	if entry.Metadata["trace_enabled"] != true {
		t.Fatalf("expected trace_enabled true by default")
	}
}

func TestRemovePeerRemovesLearnedResources(t *testing.T) {
	n := New("agent", "localhost:1", nil)
	n.handleResourceAnnouncement("peer-1", Envelope{
		Data: map[string]any{"resource_id": "r1", "type": "agent", "metadata": map[string]any{}},
	})
	if _, ok := n.remoteResources["r1"]; !ok {
		t.Fatalf("expected resource to be learned from peer")
	}
	n.RemovePeer("peer-1")
	if _, ok := n.remoteResources["r1"]; ok {
		t.Fatalf("expected resource removed along with its advertising peer")
	}
}

func TestQueryResourcesMergesLocalAndRemote(t *testing.T) {
	a := New("agent", "a", nil)
	b := New("agent", "b", nil)
	b.RegisterLocalResource("remote-res", "agent", 0.1, 10, nil)

	a.peers[b.NodeID] = &Peer{NodeID: b.NodeID, conn: &fakeConn{from: a, to: b}}
	b.peers[a.NodeID] = &Peer{NodeID: a.NodeID, conn: &fakeConn{from: b, to: a}}

	results := a.QueryResources(context.Background(), "agent", false, 200*time.Millisecond)
	entry, ok := results["remote-res"]
	if !ok {
		t.Fatalf("expected remote resource to be merged into query results, got %+v", results)
	}
	if entry.PeerID != b.NodeID {
		t.Fatalf("expected merged result to carry the responder's peer id %q, got %q", b.NodeID, entry.PeerID)
	}
}

func TestReconnectBootstrapBacksOffAfterFailure(t *testing.T) {
	n := New("agent", "a", []string{"addr-1"})
	attempts := 0
	dial := func(ctx context.Context, address string) (Conn, error) {
		attempts++
		return nil, errors.New("dial failed")
	}

	n.reconnectBootstrap(context.Background(), dial)
	if attempts != 1 {
		t.Fatalf("expected one dial attempt, got %d", attempts)
	}
	b, ok := n.bootstrapBackoffs["addr-1"]
	if !ok || b.interval != bootstrapRetryInitial {
		t.Fatalf("expected backoff state seeded at the initial interval, got %+v", b)
	}

	n.reconnectBootstrap(context.Background(), dial)
	if attempts != 1 {
		t.Fatalf("expected no further dial attempt before the backoff interval elapses, got %d attempts", attempts)
	}
}

func TestRecordBootstrapFailureCapsAtCeiling(t *testing.T) {
	n := New("agent", "a", []string{"addr-1"})
	for i := 0; i < 20; i++ {
		n.recordBootstrapFailure("addr-1")
	}
	if n.bootstrapBackoffs["addr-1"].interval != bootstrapRetryCeiling {
		t.Fatalf("expected backoff interval capped at the ceiling, got %v", n.bootstrapBackoffs["addr-1"].interval)
	}
}

func TestEvictExpiredResourcesRemovesStaleRemote(t *testing.T) {
	n := New("agent", "a", nil)
	n.handleResourceAnnouncement("peer-1", Envelope{
		Data: map[string]any{"resource_id": "r1", "type": "agent", "metadata": map[string]any{}},
	})
	n.mu.Lock()
	entry := n.remoteResources["r1"]
	entry.DiscoveredAt = time.Now().UTC().Add(-time.Hour)
	n.remoteResources["r1"] = entry
	n.mu.Unlock()

	n.evictExpiredResources(time.Minute)
	if _, ok := n.remoteResources["r1"]; ok {
		t.Fatalf("expected a stale remote resource to be evicted")
	}
}

func TestQueryResourcesLocalOnlySkipsBroadcast(t *testing.T) {
	a := New("agent", "a", nil)
	a.RegisterLocalResource("local-res", "agent", 0.1, 10, nil)
	results := a.QueryResources(context.Background(), "", true, time.Second)
	if len(results) != 1 {
		t.Fatalf("expected exactly the one local resource, got %d", len(results))
	}
}
