package memtrace

import (
	"sort"
	"strings"
	"sync"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Registrar is the remote registrar contract §4.1 describes: when the
// store is online it MAY post each new node there, and MUST fall back to
// offline mode on any failure. It stands in for the teacher's RPC-registrar
// adapter pattern (consensus.go's networkAdapter interface) kept as a small
// interface so the store never imports a transport package directly.
type Registrar interface {
	RegisterNode(agentID string, n *Node) error
}

// Store is the append-only, hash-chained, content-addressed memory trace
// (spec §4.1). A single Store instance is shared across agents with a
// per-agent index, per the spec's Open Question resolution in §9.
type Store struct {
	mu sync.RWMutex

	nodes       map[string]*Node   // node_id -> node
	children    map[string][]string // parent_id -> ordered child node_ids
	agentIndex  map[string][]string // agent_id -> ordered node_ids (append-only)

	registrar   Registrar
	offlineMode bool // sticky for the session once tripped, per §4.1
}

// New creates an empty, in-process memory trace store. offlineMode starts
// as given; once a remote post fails it can only become true, never false
// again within this process's lifetime.
func New(registrar Registrar, offlineMode bool) *Store {
	return &Store{
		nodes:       make(map[string]*Node),
		children:    make(map[string][]string),
		agentIndex:  make(map[string][]string),
		registrar:   registrar,
		offlineMode: offlineMode,
	}
}

// OfflineMode reports the current sticky offline flag.
func (s *Store) OfflineMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offlineMode
}

// AddMemory appends a new node to agent_id's trace, optionally chained to
// parent_id. It never suspends mid-mutation (§5): the registrar post, if
// attempted, happens after the node is already durably indexed locally, so
// a registrar failure can only ever flip the sticky offline flag, never
// roll back the append.
func (s *Store) AddMemory(agentID, content string, nodeType NodeType, metadata map[string]any, parentID *string) (string, error) {
	s.mu.Lock()
	if parentID != nil {
		if _, ok := s.nodes[*parentID]; !ok {
			s.mu.Unlock()
			return "", errs.New(errs.NotFound, "parent memory node not found: "+*parentID)
		}
	}
	n := newNode(content, nodeType, metadata, parentID)
	s.nodes[n.NodeID] = n
	s.agentIndex[agentID] = append(s.agentIndex[agentID], n.NodeID)
	if parentID != nil {
		s.children[*parentID] = append(s.children[*parentID], n.NodeID)
	}
	offline := s.offlineMode
	reg := s.registrar
	s.mu.Unlock()

	// §7 propagation policy: a registrar failure is caught once, flips the
	// store to offline mode, and surfaces as success — the node is already
	// persisted locally.
	if !offline && reg != nil {
		if err := reg.RegisterNode(agentID, n); err != nil {
			logger.WithError(err).Warn("memtrace: remote registrar failed, falling back to offline mode")
			s.mu.Lock()
			s.offlineMode = true
			s.mu.Unlock()
		}
	}
	return n.NodeID, nil
}

// GetMemory returns the node by id, or nil if absent.
func (s *Store) GetMemory(nodeID string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

// GetAgentMemories returns agent_id's nodes in append order (== timestamp
// order, per §5 Ordering).
func (s *Store) GetAgentMemories(agentID string) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.agentIndex[agentID]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id])
	}
	return out
}

// GetChildren returns parent_id's direct children in append order.
func (s *Store) GetChildren(parentID string) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[parentID]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id])
	}
	return out
}

// GetMemoryPath walks from nodeID back to its root and returns the
// root-to-node sequence.
func (s *Store) GetMemoryPath(nodeID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reversed []*Node
	cur, ok := s.nodes[nodeID]
	if !ok {
		return nil, errs.New(errs.NotFound, "memory node not found: "+nodeID)
	}
	for {
		reversed = append(reversed, cur)
		if cur.ParentID == nil {
			break
		}
		parent, ok := s.nodes[*cur.ParentID]
		if !ok {
			return nil, errs.New(errs.NotFound, "parent memory node not found: "+*cur.ParentID)
		}
		cur = parent
	}
	path := make([]*Node, len(reversed))
	for i, n := range reversed {
		path[len(reversed)-1-i] = n
	}
	return path, nil
}

// SearchMemories returns up to 100 nodes whose content contains substr.
func (s *Store) SearchMemories(substr string) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Deterministic order: sort nodes by creation timestamp so repeated
	// searches are stable.
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.nodes[ids[i]].Timestamp.Before(s.nodes[ids[j]].Timestamp)
	})

	var out []*Node
	for _, id := range ids {
		n := s.nodes[id]
		if strings.Contains(n.Content, substr) {
			out = append(out, n)
			if len(out) == 100 {
				break
			}
		}
	}
	return out
}

// VerifyMemoryTrace checks TP2: every node's hash is internally consistent
// and consecutive path entries chain correctly. A failing path is rejected
// wholesale — there is no partial repair (§4.1).
func VerifyMemoryTrace(path []*Node) bool {
	for i, n := range path {
		if !n.VerifyHash() {
			return false
		}
		if i > 0 {
			prev := path[i-1]
			if n.ParentID == nil || *n.ParentID != prev.NodeID {
				return false
			}
		}
	}
	return true
}
