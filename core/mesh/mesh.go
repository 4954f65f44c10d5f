// Package mesh implements the mesh node and validator (spec §4.12): peer
// discovery, a resource directory, and broadcast queries over a persistent
// full-duplex JSON channel per peer. Grounded on the teacher's go.mod
// dependency on gorilla/websocket (carried across the pack — monetarium-node,
// certenIO-certen-validator, and others all depend on it for peer
// transport) rather than the teacher's own libp2p peer_management.go, whose
// NAT traversal/DHT surface the spec explicitly excludes (§1 Non-goals).
package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// MessageType enumerates the mesh envelope's type field (spec §4.12, §6).
type MessageType string

const (
	Discovery                MessageType = "discovery"
	DiscoveryResponse        MessageType = "discovery_response"
	ResourceAnnouncement     MessageType = "resource_announcement"
	ResourceQuery            MessageType = "resource_query"
	ResourceQueryResponse    MessageType = "resource_query_response"
	AgentExecute             MessageType = "agent_execute"
	AgreementValidation      MessageType = "agreement_validation"
	AgreementValidationResponse MessageType = "agreement_validation_response"
	ResourceUsage            MessageType = "resource_usage"
)

// Envelope is the wire shape every mesh message takes (spec §6).
type Envelope struct {
	Type      MessageType    `json:"type"`
	SenderID  string         `json:"sender_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Conn abstracts the persistent full-duplex channel to one peer so the node
// never depends on *websocket.Conn directly in its core logic — the real
// implementation wraps *websocket.Conn's ReadJSON/WriteJSON pair.
type Conn interface {
	Send(env Envelope) error
	Close() error
}

// wsConn is the gorilla/websocket-backed Conn implementation.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) Conn { return &wsConn{ws: ws} }

func (c *wsConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// Peer is one remote node's directory row.
type Peer struct {
	NodeID    string
	Address   string
	NodeType  string
	LastSeen  time.Time
	Resources []string
	conn      Conn
}

// ResourceEntry is one advertised resource, local or learned from a peer.
type ResourceEntry struct {
	ResourceID   string
	Type         string
	Metadata     map[string]any
	PeerID       string    // empty for local resources
	DiscoveredAt time.Time // zero for local resources; set when learned from a peer
}

const (
	agentCPUCeiling      = 0.27
	agentMemoryCeilingMB = 827.0
	defaultQueryTimeout  = 5 * time.Second
)

// Node is one mesh participant.
type Node struct {
	mu sync.Mutex

	NodeID   string
	NodeType string
	Address  string

	peers map[string]*Peer

	localResources  map[string]ResourceEntry
	remoteResources map[string]ResourceEntry // keyed by resource_id

	bootstrapAddresses []string
	bootstrapBackoffs  map[string]*bootstrapBackoff
	pendingQueries     map[string]chan ResourceEntry

	log *zap.SugaredLogger
}

// bootstrapBackoff tracks one bootstrap address's exponential retry state.
type bootstrapBackoff struct {
	interval time.Duration
	nextTry  time.Time
}

// New creates a mesh node with a fresh opaque identity.
func New(nodeType, address string, bootstrapAddresses []string) *Node {
	return &Node{
		NodeID: uuid.New().String(), NodeType: nodeType, Address: address,
		peers:              make(map[string]*Peer),
		localResources:     make(map[string]ResourceEntry),
		remoteResources:    make(map[string]ResourceEntry),
		bootstrapAddresses: bootstrapAddresses,
		bootstrapBackoffs:  make(map[string]*bootstrapBackoff),
		pendingQueries:     make(map[string]chan ResourceEntry),
		log:                zap.L().Sugar(),
	}
}

func (n *Node) envelope(msgType MessageType, data map[string]any) Envelope {
	return Envelope{Type: msgType, SenderID: n.NodeID, Timestamp: time.Now().UTC(), Data: data}
}

// RegisterLocalResource implements §4.12's agent resource registration
// policy: cpu/memory hardware constraints are clamped to the agent ceiling
// with a warning, and trace_enabled defaults to true.
func (n *Node) RegisterLocalResource(resourceID, resourceType string, cpu, memoryMB float64, metadata map[string]any) ResourceEntry {
	n.mu.Lock()
	defer n.mu.Unlock()

	clampedCPU, clampedMem := cpu, memoryMB
	if clampedCPU > agentCPUCeiling {
		n.log.Warnw("mesh: clamping resource cpu to agent ceiling", "resource_id", resourceID, "requested", cpu)
		clampedCPU = agentCPUCeiling
	}
	if clampedMem > agentMemoryCeilingMB {
		n.log.Warnw("mesh: clamping resource memory to agent ceiling", "resource_id", resourceID, "requested", memoryMB)
		clampedMem = agentMemoryCeilingMB
	}
	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["cpu"] = clampedCPU
	meta["memory_mb"] = clampedMem
	meta["trace_enabled"] = true

	entry := ResourceEntry{ResourceID: resourceID, Type: resourceType, Metadata: meta}
	n.localResources[resourceID] = entry
	return entry
}

// Connect implements the §4.12 discovery handshake: on outbound connect,
// send a discovery envelope describing this node.
func (n *Node) Connect(peerID string, conn Conn) error {
	n.mu.Lock()
	resourceIDs := make([]string, 0, len(n.localResources))
	for id := range n.localResources {
		resourceIDs = append(resourceIDs, id)
	}
	n.peers[peerID] = &Peer{NodeID: peerID, conn: conn, LastSeen: time.Now().UTC()}
	n.mu.Unlock()

	env := n.envelope(Discovery, map[string]any{
		"node_type": n.NodeType, "address": n.Address, "resources": resourceIDs,
	})
	if err := conn.Send(env); err != nil {
		return errs.Wrap(errs.Connection, "discovery send failed", err)
	}
	return nil
}

// HandleMessage processes one inbound envelope from peerID. A node never
// processes its own messages (spec §4.12, §6).
func (n *Node) HandleMessage(peerID string, conn Conn, env Envelope) error {
	if env.SenderID == n.NodeID {
		return nil
	}
	switch env.Type {
	case Discovery:
		return n.handleDiscovery(peerID, conn, env)
	case DiscoveryResponse:
		return n.handleDiscoveryResponse(peerID, env)
	case ResourceAnnouncement:
		return n.handleResourceAnnouncement(peerID, env)
	case ResourceQuery:
		return n.handleResourceQuery(peerID, conn, env)
	case ResourceQueryResponse:
		return n.handleResourceQueryResponse(env)
	default:
		return nil
	}
}

func (n *Node) handleDiscovery(peerID string, conn Conn, env Envelope) error {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	if !ok {
		p = &Peer{NodeID: peerID, conn: conn}
		n.peers[peerID] = p
	}
	p.LastSeen = time.Now().UTC()
	if nt, ok := env.Data["node_type"].(string); ok {
		p.NodeType = nt
	}
	if addr, ok := env.Data["address"].(string); ok {
		p.Address = addr
	}
	resourceIDs := make([]string, 0, len(n.localResources))
	for id := range n.localResources {
		resourceIDs = append(resourceIDs, id)
	}
	n.mu.Unlock()

	reply := n.envelope(DiscoveryResponse, map[string]any{
		"node_type": n.NodeType, "address": n.Address, "resources": resourceIDs,
	})
	return conn.Send(reply)
}

func (n *Node) handleDiscoveryResponse(peerID string, env Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerID]
	if !ok {
		return nil
	}
	p.LastSeen = time.Now().UTC()
	if nt, ok := env.Data["node_type"].(string); ok {
		p.NodeType = nt
	}
	return nil
}

func (n *Node) handleResourceAnnouncement(peerID string, env Envelope) error {
	resourceID, _ := env.Data["resource_id"].(string)
	resourceType, _ := env.Data["type"].(string)
	metadata, _ := env.Data["metadata"].(map[string]any)
	if resourceID == "" {
		return errs.New(errs.Validation, "resource_announcement missing resource_id")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.remoteResources[resourceID] = ResourceEntry{
		ResourceID: resourceID, Type: resourceType, Metadata: metadata, PeerID: peerID,
		DiscoveredAt: time.Now().UTC(),
	}
	return nil
}

func (n *Node) handleResourceQuery(peerID string, conn Conn, env Envelope) error {
	queryID, _ := env.Data["query_id"].(string)
	filterType, _ := env.Data["type"].(string)

	n.mu.Lock()
	var matches []any
	for _, r := range n.localResources {
		if filterType != "" && r.Type != filterType {
			continue
		}
		matches = append(matches, map[string]any{
			"resource_id": r.ResourceID, "type": r.Type, "metadata": r.Metadata, "peer_id": n.NodeID,
		})
	}
	n.mu.Unlock()

	reply := n.envelope(ResourceQueryResponse, map[string]any{
		"query_id": queryID, "matches": matches,
	})
	return conn.Send(reply)
}

func (n *Node) handleResourceQueryResponse(env Envelope) error {
	queryID, _ := env.Data["query_id"].(string)
	n.mu.Lock()
	ch, ok := n.pendingQueries[queryID]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	matches, _ := env.Data["matches"].([]any)
	for _, m := range matches {
		row, ok := m.(map[string]any)
		if !ok {
			continue
		}
		id, _ := row["resource_id"].(string)
		typ, _ := row["type"].(string)
		meta, _ := row["metadata"].(map[string]any)
		peerID, _ := row["peer_id"].(string)
		select {
		case ch <- ResourceEntry{ResourceID: id, Type: typ, Metadata: meta, PeerID: peerID, DiscoveredAt: time.Now().UTC()}:
		default:
		}
	}
	return nil
}

// QueryResources implements §4.12 query_resources.
func (n *Node) QueryResources(ctx context.Context, resourceType string, localOnly bool, timeout time.Duration) map[string]ResourceEntry {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	results := make(map[string]ResourceEntry)

	n.mu.Lock()
	for id, r := range n.localResources {
		if resourceType == "" || r.Type == resourceType {
			results[id] = r
		}
	}
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	if localOnly || len(peers) == 0 {
		return results
	}

	queryID := uuid.New().String()
	ch := make(chan ResourceEntry, 64)
	n.mu.Lock()
	n.pendingQueries[queryID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingQueries, queryID)
		n.mu.Unlock()
	}()

	env := n.envelope(ResourceQuery, map[string]any{"query_id": queryID, "type": resourceType})
	for _, p := range peers {
		if p.conn != nil {
			_ = p.conn.Send(env)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return results
		case <-deadline.C:
			return results
		case entry := <-ch:
			results[entry.ResourceID] = entry
		}
	}
}

// RemovePeer implements §4.12: removing a peer removes every remote
// resource it was the advertising source for.
func (n *Node) RemovePeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, peerID)
	for id, r := range n.remoteResources {
		if r.PeerID == peerID {
			delete(n.remoteResources, id)
		}
	}
}

// AnnounceResource broadcasts a local resource to all connected peers.
func (n *Node) AnnounceResource(resourceID string) error {
	n.mu.Lock()
	r, ok := n.localResources[resourceID]
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "local resource not found: "+resourceID)
	}

	env := n.envelope(ResourceAnnouncement, map[string]any{
		"resource_id": r.ResourceID, "type": r.Type, "metadata": r.Metadata,
	})
	var sendErr error
	for _, p := range peers {
		if p.conn != nil {
			if err := p.conn.Send(env); err != nil {
				n.log.Warnw("mesh: resource announcement send failed", "peer_id", p.NodeID, "error", err)
				sendErr = multierr.Append(sendErr, errs.Wrap(errs.Connection, "announce to peer "+p.NodeID, err))
			}
		}
	}
	return sendErr
}

// Dialer opens a Conn to a bootstrap address. The real implementation
// wraps websocket.DefaultDialer.Dial.
type Dialer func(ctx context.Context, address string) (Conn, error)

const (
	bootstrapRetryTick    = 1 * time.Second
	bootstrapRetryInitial = 2 * time.Second
	bootstrapRetryCeiling = 5 * time.Minute
)

// RunBootstrapReconnect retries bootstrap addresses not yet peered until ctx
// is cancelled. Each address backs off exponentially from
// bootstrapRetryInitial, doubling on every failed dial up to
// bootstrapRetryCeiling, and resets once it connects.
func (n *Node) RunBootstrapReconnect(ctx context.Context, dial Dialer) {
	ticker := time.NewTicker(bootstrapRetryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.reconnectBootstrap(ctx, dial)
		}
	}
}

func (n *Node) reconnectBootstrap(ctx context.Context, dial Dialer) {
	now := time.Now().UTC()

	n.mu.Lock()
	var due []string
	for _, addr := range n.bootstrapAddresses {
		b, ok := n.bootstrapBackoffs[addr]
		if ok && now.Before(b.nextTry) {
			continue
		}
		due = append(due, addr)
	}
	connected := make(map[string]bool, len(n.peers))
	for id, p := range n.peers {
		connected[p.Address] = true
		connected[id] = true
	}
	n.mu.Unlock()

	for _, addr := range due {
		if connected[addr] {
			n.mu.Lock()
			delete(n.bootstrapBackoffs, addr)
			n.mu.Unlock()
			continue
		}
		conn, err := dial(ctx, addr)
		if err != nil {
			n.log.Warnw("mesh: bootstrap reconnect failed", "address", addr, "error", err)
			n.recordBootstrapFailure(addr)
			continue
		}
		if err := n.Connect(addr, conn); err != nil {
			n.log.Warnw("mesh: bootstrap discovery failed", "address", addr, "error", err)
			n.recordBootstrapFailure(addr)
			continue
		}
		n.mu.Lock()
		delete(n.bootstrapBackoffs, addr)
		n.mu.Unlock()
	}
}

func (n *Node) recordBootstrapFailure(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.bootstrapBackoffs[addr]
	if !ok {
		b = &bootstrapBackoff{interval: bootstrapRetryInitial}
		n.bootstrapBackoffs[addr] = b
	} else {
		b.interval *= 2
		if b.interval > bootstrapRetryCeiling {
			b.interval = bootstrapRetryCeiling
		}
	}
	b.nextTry = time.Now().UTC().Add(b.interval)
}

// RunResourceTTLEviction evicts remote resource entries whose DiscoveredAt
// is older than ttl, on a tick of ttl/4, until ctx is cancelled. Local
// resources (DiscoveredAt zero) are never evicted.
func (n *Node) RunResourceTTLEviction(ctx context.Context, ttl time.Duration) {
	interval := ttl / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.evictExpiredResources(ttl)
		}
	}
}

func (n *Node) evictExpiredResources(ttl time.Duration) {
	cutoff := time.Now().UTC().Add(-ttl)
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, r := range n.remoteResources {
		if !r.DiscoveredAt.IsZero() && r.DiscoveredAt.Before(cutoff) {
			delete(n.remoteResources, id)
		}
	}
}

// MarshalEnvelope/UnmarshalEnvelope let callers bridge the abstract Conn
// interface to a concrete transport that only deals in bytes.
func MarshalEnvelope(env Envelope) ([]byte, error) { return json.Marshal(env) }

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}
