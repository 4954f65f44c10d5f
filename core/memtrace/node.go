// Package memtrace implements the chained memory-trace store (spec §4.1,
// §3 Memory node). It is grounded on the teacher's append-only WAL ledger
// (core/ledger.go: open-append-replay) for persistence shape and on
// core/cross_chain.go's CurrentStore()/KVStore pattern for the storage
// abstraction, adapted from a blockchain KV store to an in-process,
// content-addressed reasoning tree.
package memtrace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

// NodeType is a closed enum with a catch-all string tag for forward
// compatibility, per §9 "Dynamic dispatch over node types".
type NodeType string

const (
	Observation      NodeType = "observation"
	Reasoning        NodeType = "reasoning"
	Action           NodeType = "action"
	Conclusion       NodeType = "conclusion"
	TrainingBlock    NodeType = "training_block"
	ChildBlock       NodeType = "child_block"
	TrainingData     NodeType = "training_data"
	LLMCall          NodeType = "llm_call"
	LLMPrompt        NodeType = "llm_prompt"
	LLMResult        NodeType = "llm_result"
	ConsensusReport  NodeType = "consensus_report"
	AgreementEvent   NodeType = "agreement_event"
	EthicalEvent     NodeType = "ethical_event"
	TaskEvent        NodeType = "task_event"
)

// Node is an immutable memory-trace record (spec §3).
type Node struct {
	NodeID    string         `json:"node_id"`
	Content   string         `json:"content"`
	NodeType  NodeType       `json:"node_type"`
	Metadata  map[string]any `json:"metadata"`
	ParentID  *string        `json:"parent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// computeHash implements §3's invariant and §6's wire hash definition:
// H(node_id, content, node_type, canonical(metadata), parent_id, timestamp).
func computeHash(nodeID, content string, nodeType NodeType, metadata map[string]any, parentID *string, ts time.Time) string {
	parent := ""
	if parentID != nil {
		parent = *parentID
	}
	payload := fmt.Sprintf("%s:%s:%s:%s:%s:%d",
		nodeID, content, nodeType, crypto.CanonicalMetadata(metadata), parent, ts.UnixNano())
	return crypto.HashHex([]byte(payload))
}

func newNode(content string, nodeType NodeType, metadata map[string]any, parentID *string) *Node {
	id := uuid.New().String()
	ts := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	n := &Node{
		NodeID:    id,
		Content:   content,
		NodeType:  nodeType,
		Metadata:  metadata,
		ParentID:  parentID,
		Timestamp: ts,
	}
	n.Hash = computeHash(n.NodeID, n.Content, n.NodeType, n.Metadata, n.ParentID, n.Timestamp)
	return n
}

// VerifyHash recomputes a node's hash from its stored fields and reports
// whether it still matches — TP1.
func (n *Node) VerifyHash() bool {
	return n.Hash == computeHash(n.NodeID, n.Content, n.NodeType, n.Metadata, n.ParentID, n.Timestamp)
}

// MarshalRecord renders the node in the persisted/transmitted envelope
// shape (spec §6).
func (n *Node) MarshalRecord() ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "marshal memory node", err)
	}
	return b, nil
}

var logger = logrus.New()

// SetLogger overrides the package logger, mirroring SetWalletLogger in the
// teacher's wallet.go.
func SetLogger(l *logrus.Logger) { logger = l }
