// Package chainproto implements the chain protocol (spec §4.6): training
// blocks and child blocks layered on top of memtrace nodes, with a
// parent-hash stamp that lets chain verification skip a full traversal.
// Grounded on the teacher's chain-of-blocks bookkeeping in
// core/module_plugin.go's block-registration helpers, adapted from a
// ledger block chain to a memory-trace specialization.
package chainproto

import (
	"github.com/mcp-zero/mcpzero/core/memtrace"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Chain creates and links training/child blocks atop a shared memtrace
// store.
type Chain struct {
	store *memtrace.Store
}

// New wraps an existing memory trace store.
func New(store *memtrace.Store) *Chain {
	return &Chain{store: store}
}

// AddTrainingBlock creates a root training block for agentID.
func (c *Chain) AddTrainingBlock(agentID, content string, metadata map[string]any) (string, error) {
	return c.store.AddMemory(agentID, content, memtrace.TrainingBlock, metadata, nil)
}

// AddChildBlock implements §4.6 add_child_block: the parent must already
// exist, and the child's metadata is stamped with parent_hash so a reader
// can confirm the link without walking the whole path.
func (c *Chain) AddChildBlock(agentID, parentID, content string, metadata map[string]any) (string, error) {
	parent := c.store.GetMemory(parentID)
	if parent == nil {
		return "", errs.New(errs.NotFound, "parent block not found: "+parentID)
	}
	meta := cloneMeta(metadata)
	meta["parent_hash"] = parent.Hash
	return c.store.AddMemory(agentID, content, memtrace.ChildBlock, meta, &parentID)
}

// AddTrainingData attaches a training-data child to blockID.
func (c *Chain) AddTrainingData(agentID, blockID, content string, metadata map[string]any) (string, error) {
	if c.store.GetMemory(blockID) == nil {
		return "", errs.New(errs.NotFound, "block not found: "+blockID)
	}
	return c.store.AddMemory(agentID, content, memtrace.TrainingData, metadata, &blockID)
}

// AddLLMCall attaches an llm_call child to blockID, itself parenting
// llm_prompt and llm_result grandchildren.
func (c *Chain) AddLLMCall(agentID, blockID, prompt, result string, metadata map[string]any) (callID string, err error) {
	if c.store.GetMemory(blockID) == nil {
		return "", errs.New(errs.NotFound, "block not found: "+blockID)
	}
	callID, err = c.store.AddMemory(agentID, "llm_call", memtrace.LLMCall, metadata, &blockID)
	if err != nil {
		return "", err
	}
	if _, err := c.store.AddMemory(agentID, prompt, memtrace.LLMPrompt, nil, &callID); err != nil {
		return "", err
	}
	if _, err := c.store.AddMemory(agentID, result, memtrace.LLMResult, nil, &callID); err != nil {
		return "", err
	}
	return callID, nil
}

// ConsensusVoteRecord is one vote entry recorded in a consensus report.
type ConsensusVoteRecord struct {
	AgentID  string  `json:"agent_id"`
	Proposal string  `json:"proposal"`
	Weight   float64 `json:"weight"`
}

// RegisterConsensusReport implements §4.6 register_consensus_report: stores
// a consensus-report child node recording the report and the full vote
// list.
func (c *Chain) RegisterConsensusReport(agentID, blockID, report string, votes []ConsensusVoteRecord) (string, error) {
	if c.store.GetMemory(blockID) == nil {
		return "", errs.New(errs.NotFound, "block not found: "+blockID)
	}
	voteList := make([]any, len(votes))
	for i, v := range votes {
		voteList[i] = map[string]any{"agent_id": v.AgentID, "proposal": v.Proposal, "weight": v.Weight}
	}
	metadata := map[string]any{"votes": voteList}
	return c.store.AddMemory(agentID, report, memtrace.ConsensusReport, metadata, &blockID)
}

// VerifyChainIntegrity implements §4.6 verify_chain_integrity: delegates to
// memtrace's path walk and hash-chain verification.
func (c *Chain) VerifyChainIntegrity(blockID string) (bool, []*memtrace.Node, error) {
	path, err := c.store.GetMemoryPath(blockID)
	if err != nil {
		return false, nil, err
	}
	return memtrace.VerifyMemoryTrace(path), path, nil
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
